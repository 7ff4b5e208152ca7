package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Collaborator file names inside the config directory.
const (
	UsersFileName        = "users.json"
	ClientsFileName      = "clients.json"
	EnvironmentsFileName = "environments.json"
)

// Static is an immutable snapshot of the JSON collaborator files.
type Static struct {
	Users        []User
	Clients      []Client
	Environments Environments
}

// LoadStatic reads users.json, clients.json and environments.json from dir.
// A missing file contributes nothing; a malformed one is an error.
func LoadStatic(dir string) (*Static, error) {
	var users UsersFile
	if err := readJSON(filepath.Join(dir, UsersFileName), &users); err != nil {
		return nil, err
	}

	var clients []Client
	if err := readJSON(filepath.Join(dir, ClientsFileName), &clients); err != nil {
		return nil, err
	}

	envs := make(Environments)
	var raw Environments
	if err := readJSON(filepath.Join(dir, EnvironmentsFileName), &raw); err != nil {
		return nil, err
	}
	for name, creds := range raw {
		envs[strings.ToUpper(name)] = creds
	}

	if clients == nil {
		clients = []Client{}
	}
	return &Static{Users: users.Users, Clients: clients, Environments: envs}, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// FindUser looks a user up by email (case-insensitive) or username.
func (s *Static) FindUser(login string) (User, bool) {
	login = strings.TrimSpace(login)
	if login == "" {
		return User{}, false
	}
	for _, u := range s.Users {
		if strings.EqualFold(u.Email, login) || u.Username == login {
			return u, true
		}
	}
	return User{}, false
}

// Credentials returns the worker credentials for env, matched
// case-insensitively.
func (s *Static) Credentials(env string) (Credentials, bool) {
	creds, ok := s.Environments[strings.ToUpper(strings.TrimSpace(env))]
	return creds, ok
}

// EnvironmentNames returns the configured environment keys.
func (s *Static) EnvironmentNames() []string {
	names := make([]string, 0, len(s.Environments))
	for name := range s.Environments {
		names = append(names, name)
	}
	return names
}

// SaveClients replaces clients.json in dir. The file is written to a
// temporary name and renamed into place, so a watcher never loads a partial
// list.
func SaveClients(dir string, clients []Client) error {
	for i, c := range clients {
		if strings.TrimSpace(c.Name) == "" {
			return ValidationError{Field: fmt.Sprintf("clients[%d].name", i), Message: "required field is empty"}
		}
	}
	if clients == nil {
		clients = []Client{}
	}

	data, err := json.MarshalIndent(clients, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal clients: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".clients-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save clients: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save clients: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save clients: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to save clients: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, ClientsFileName)); err != nil {
		return fmt.Errorf("failed to save clients: %w", err)
	}
	return nil
}
