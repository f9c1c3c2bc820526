package auth

import (
	"os/exec"
	"runtime"
)

// BrowserOpener shows a URL to the user.
type BrowserOpener interface {
	Open(url string) error
}

// BrowserFunc adapts a function to BrowserOpener.
type BrowserFunc func(url string) error

func (f BrowserFunc) Open(url string) error { return f(url) }

// SystemBrowser launches the platform's default URL handler.
type SystemBrowser struct{}

func (SystemBrowser) Open(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "darwin":
		cmd = exec.Command("open", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	// Reap the launcher so it does not linger as a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}
