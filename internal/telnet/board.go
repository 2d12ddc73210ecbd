package telnet

import "github.com/litanlitudan/soc-validation/internal/board"

// ConfigFor builds a driver config from a catalog entry, carrying its
// console coordinates, credentials and any per-board prompt overrides.
// Unset fields pick up the driver defaults.
func ConfigFor(b board.Board) Config {
	return Config{
		Host:           b.Address,
		Port:           b.TelnetPort,
		Username:       b.Username,
		Password:       b.Password,
		LoginPrompt:    b.LoginPrompt,
		PasswordPrompt: b.PasswordPrompt,
		ShellPrompt:    b.ShellPrompt,
	}
}
