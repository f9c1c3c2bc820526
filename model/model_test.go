package model

import "testing"

func TestBadgeHierarchy(t *testing.T) {
	tests := []struct {
		name                   string
		badges                 []string
		broad, mod, vip, subsc bool
	}{
		{"none", nil, false, false, false, false},
		{"subscriber", []string{"subscriber"}, false, false, false, true},
		{"founder counts as sub", []string{"founder"}, false, false, false, true},
		{"vip", []string{"vip"}, false, false, true, true},
		{"moderator", []string{"moderator"}, false, true, true, true},
		{"broadcaster", []string{"broadcaster"}, true, true, true, true},
		{"case insensitive", []string{"Moderator"}, false, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ChatMessage{User: "u", Badges: tt.badges}
			if got := m.IsBroadcaster(); got != tt.broad {
				t.Errorf("IsBroadcaster = %v, want %v", got, tt.broad)
			}
			if got := m.IsModerator(); got != tt.mod {
				t.Errorf("IsModerator = %v, want %v", got, tt.mod)
			}
			if got := m.IsVIP(); got != tt.vip {
				t.Errorf("IsVIP = %v, want %v", got, tt.vip)
			}
			if got := m.IsSubscriber(); got != tt.subsc {
				t.Errorf("IsSubscriber = %v, want %v", got, tt.subsc)
			}
		})
	}
}

func TestSystemMessage(t *testing.T) {
	m := SystemMessage("hello")
	if !m.IsSystem() || m.Color != "#AAAAAA" || m.Text != "hello" {
		t.Fatalf("unexpected system message: %+v", m)
	}
}
