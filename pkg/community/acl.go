package community

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gridmesh/gridmesh/internal/crypto"
)

// ACLEntry is one line of the community file.
type ACLEntry struct {
	Name string
	// Open disables header encryption for the community regardless of the
	// configured default ("<name> *" form).
	Open bool
	// KeysPath points at a per-user public key file; its presence makes the
	// community user-password authenticated.
	KeysPath string
	// Users is the parsed key file: username -> X25519 public key.
	Users map[string][]byte
}

// ACL is a parsed community file.
type ACL struct {
	Entries map[string]ACLEntry
}

// LoadACL reads a community file. One entry per line,
// whitespace-separated:
//
//	<community_name>
//	<community_name>  <path_to_public_keys>
//	<community_name>  *
//
// Lines starting with '#' are comments. Key file paths are resolved
// relative to the community file's directory.
func LoadACL(path string) (*ACL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	acl := &ACL{Entries: make(map[string]ACLEntry)}
	dir := filepath.Dir(path)

	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		entry := ACLEntry{Name: fields[0]}
		if len(entry.Name) > MaxNameLen {
			return nil, fmt.Errorf("%s:%d: community name too long: %q", path, lineno, entry.Name)
		}
		if _, dup := acl.Entries[entry.Name]; dup {
			return nil, fmt.Errorf("%s:%d: duplicate community %q", path, lineno, entry.Name)
		}

		if len(fields) > 1 {
			switch fields[1] {
			case "*":
				entry.Open = true
			default:
				entry.KeysPath = fields[1]
				if !filepath.IsAbs(entry.KeysPath) {
					entry.KeysPath = filepath.Join(dir, entry.KeysPath)
				}
				users, err := loadUserKeys(entry.KeysPath)
				if err != nil {
					return nil, fmt.Errorf("%s:%d: %w", path, lineno, err)
				}
				entry.Users = users
			}
		}

		acl.Entries[entry.Name] = entry
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return acl, nil
}

// loadUserKeys parses a public key file: "<username> <base64 pubkey>" per
// line, '#' comments.
func loadUserKeys(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	users := make(map[string][]byte)
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: expected '<user> <pubkey>'", path, lineno)
		}
		pub, err := crypto.DecodePublicKey(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: user %q: %w", path, lineno, fields[0], err)
		}
		users[fields[0]] = pub
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return users, nil
}
