package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// PromptConnection asks for every missing connection field until it gets
// a usable answer: a host name, a port in 1-65535 and a password. Values
// are kept in memory only.
func PromptConnection(in *bufio.Reader, out io.Writer, cfg *Config) error {
	conn := cfg.GetConnection()

	for conn.Host == "" {
		host, err := promptString(in, out, "Hostname")
		if err != nil {
			return err
		}
		conn.Host = host
	}

	for conn.Port == 0 {
		input, err := promptString(in, out, "Port")
		if err != nil {
			return err
		}
		port, err := strconv.ParseUint(input, 10, 16)
		if err != nil || port == 0 {
			continue
		}
		conn.Port = uint16(port)
	}

	for conn.Password == "" {
		password, err := promptString(in, out, "Password")
		if err != nil {
			return err
		}
		conn.Password = password
	}

	cfg.SetConnection(conn)
	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprintf(out, "%s: ", prompt)

	input, err := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil {
		if errors.Is(err, io.EOF) && input != "" {
			return input, nil
		}
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(prompt), err)
	}
	return input, nil
}
