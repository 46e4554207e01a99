package driver

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"dbmigrate/internal/config"
)

// EnsureCredentials fills in missing SqlAuth credentials by prompting on the
// terminal before any connection is attempted. The password prompt never
// echoes. Non-SqlAuth modes carry their own credential flow and are left
// untouched.
func EnsureCredentials(conn *config.Connection, label string) error {
	if conn.AuthMode != config.AuthSQL {
		return nil
	}
	if conn.Username != "" && conn.Password != "" {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("%s connection is missing credentials and no terminal is available to prompt", label)
	}

	reader := bufio.NewReader(os.Stdin)
	if conn.Username == "" {
		fmt.Fprintf(os.Stderr, "%s username for %s/%s: ", label, conn.Server, conn.Database)
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read username: %w", err)
		}
		conn.Username = strings.TrimSpace(line)
	}
	if conn.Password == "" {
		fmt.Fprintf(os.Stderr, "%s password for %s@%s: ", label, conn.Username, conn.Server)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		conn.Password = string(pw)
	}
	if conn.Username == "" {
		return fmt.Errorf("%s connection requires a username for SqlAuth", label)
	}
	return nil
}
