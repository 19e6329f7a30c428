package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Path is a path on the file system where a "~/" prefix stands for the home
// directory of the user running the program.
type Path string

func (p Path) String() string {
	return string(p)
}

func (p *Path) Set(s string) error {
	*p = Path(s)
	return nil
}

// Resolve returns the path with the home directory prefix expanded.
func (p Path) Resolve() (string, error) {
	s := string(p)
	if !strings.HasPrefix(s, "~"+string(os.PathSeparator)) {
		return s, nil
	}
	home, ok := os.LookupEnv("HOME")
	if !ok {
		u, err := user.Current()
		if err != nil {
			return "", err
		}
		home = u.HomeDir
	}
	return filepath.Join(home, s[2:]), nil
}
