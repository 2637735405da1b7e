// Package community implements the named-community registry: ACL
// enforcement, per-community edge tables, and the deterministic auto-IP
// allocator.
package community

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/gridmesh/gridmesh/internal/crypto"
	"github.com/gridmesh/gridmesh/pkg/peer"
	"github.com/gridmesh/gridmesh/pkg/wire"
)

// MaxNameLen is the longest community name accepted anywhere.
const MaxNameLen = wire.CommunitySize

// ErrDenied is returned when the ACL refuses a community.
var ErrDenied = errors.New("community denied")

// Community is one named overlay segment and its edge table.
type Community struct {
	Name string

	Mode      wire.HeaderMode
	HeaderKey []byte            // derived community-wide key (ModeStatic)
	Users     map[string][]byte // username -> public key (ModeUser)

	AutoNet netip.Prefix

	IsFederation bool
	Purgeable    bool

	// Federated marks a community first learned through federation
	// propagation rather than a local registration or the ACL.
	Federated bool

	// Joinable goes false when the community disappears from the ACL on a
	// reload; existing edges keep being served but new ones are refused.
	Joinable bool

	Edges *peer.Table
}

// Registry owns every community. Map-level operations lock internally; the
// edge tables inside communities are serialized by the session engine.
type Registry struct {
	mu sync.RWMutex

	communities map[string]*Community
	federation  *Community

	pool        Pool
	defaultMode wire.HeaderMode
	identity    *crypto.Identity

	aclPath string
	acl     *ACL // nil = open mode, everything joinable

	// userKeys caches derived per-user header keys: "community\x00user" ->
	// key. Cleared on ACL reload.
	userKeys map[string][]byte
}

// Config carries what the registry needs from the resolved configuration.
type Config struct {
	Pool           Pool
	DefaultMode    wire.HeaderMode
	FederationName string // without the leading '*'
	CommunityFile  string
	Identity       *crypto.Identity
}

// NewRegistry builds the registry and materializes the federation
// community. The ACL file, when configured, must parse at startup.
func NewRegistry(cfg Config) (*Registry, error) {
	r := &Registry{
		communities: make(map[string]*Community),
		pool:        cfg.Pool,
		defaultMode: cfg.DefaultMode,
		identity:    cfg.Identity,
		aclPath:     cfg.CommunityFile,
		userKeys:    make(map[string][]byte),
	}
	if err := r.pool.Validate(); err != nil {
		return nil, err
	}

	fedName := "*" + strings.TrimPrefix(cfg.FederationName, "*")
	if len(fedName) > MaxNameLen {
		return nil, fmt.Errorf("federation name too long: %q", fedName)
	}
	r.federation = &Community{
		Name:         fedName,
		Mode:         wire.ModeNone,
		IsFederation: true,
		Joinable:     true,
		Edges:        peer.NewTable(),
	}
	r.communities[fedName] = r.federation

	if cfg.CommunityFile != "" {
		acl, err := LoadACL(cfg.CommunityFile)
		if err != nil {
			return nil, fmt.Errorf("load communities: %w", err)
		}
		r.applyACL(acl)
	}
	return r, nil
}

// Federation returns the always-present federation community.
func (r *Registry) Federation() *Community { return r.federation }

// Pool returns the configured auto-IP pool.
func (r *Registry) Pool() Pool { return r.pool }

// Find looks up a community by name.
func (r *Registry) Find(name string) *Community {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.communities[name]
}

// FindOrCreate resolves a community for a registration. userAuthed is true
// when the datagram decrypted under one of this community's user keys.
// Creation is permitted in open mode (no ACL), for names the ACL lists, or
// for a user-authenticated name; federation names are never created here.
func (r *Registry) FindOrCreate(name string, userAuthed bool) (*Community, error) {
	if name == "" || len(name) > MaxNameLen {
		return nil, wire.ErrBadName
	}
	if strings.HasPrefix(name, "*") {
		// Reserved: edges must not conjure federation communities.
		return nil, ErrDenied
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.communities[name]; ok {
		// Read-only communities refuse every new registration. User
		// credentials issued before the community left the ACL still
		// decrypt traffic for existing edges, so they must not count as a
		// way back in.
		if !c.Joinable {
			return nil, ErrDenied
		}
		return c, nil
	}

	if r.acl != nil {
		if _, listed := r.acl.Entries[name]; !listed && !userAuthed {
			return nil, ErrDenied
		}
	}
	return r.createLocked(name), nil
}

// createLocked builds a community and assigns its subnet. Caller holds mu.
func (r *Registry) createLocked(name string) *Community {
	c := &Community{
		Name:      name,
		Mode:      r.defaultMode,
		Joinable:  true,
		Purgeable: true,
		Edges:     peer.NewTable(),
	}
	if r.acl != nil {
		if e, ok := r.acl.Entries[name]; ok {
			r.applyEntryLocked(c, e)
		}
	}
	if c.Mode == wire.ModeStatic && c.HeaderKey == nil {
		c.HeaderKey = crypto.DeriveStaticKey([]byte(name), []byte(name))
	}
	c.AutoNet = r.assignSubnetLocked(name)
	r.communities[name] = c

	slog.Info("community created", "community", name, "mode", c.Mode.String(), "subnet", c.AutoNet)
	return c
}

func (r *Registry) assignSubnetLocked(name string) netip.Prefix {
	pfx, err := r.pool.AssignSubnet(name, func(candidate netip.Prefix) bool {
		for _, other := range r.communities {
			if other.AutoNet.IsValid() && other.AutoNet == candidate {
				return true
			}
		}
		return false
	})
	if err != nil {
		slog.Error("auto-ip assignment failed", "community", name, "err", err)
		return netip.Prefix{}
	}
	return pfx
}

// applyEntryLocked stamps ACL-derived attributes onto a community.
func (r *Registry) applyEntryLocked(c *Community, e ACLEntry) {
	switch {
	case e.Open:
		c.Mode = wire.ModeNone
		c.HeaderKey = nil
		c.Users = nil
	case e.KeysPath != "":
		c.Mode = wire.ModeUser
		c.HeaderKey = nil
		c.Users = e.Users
	default:
		c.Mode = r.defaultMode
		c.Users = nil
		if c.Mode == wire.ModeStatic {
			c.HeaderKey = crypto.DeriveStaticKey([]byte(c.Name), []byte(c.Name))
		}
	}
}

// Learn records a community advertised by a federated supernode. The ACL
// still governs whether we will serve it: in restricted mode only listed
// names are materialized. Learned communities are flagged Federated.
func (r *Registry) Learn(name string) *Community {
	if name == "" || len(name) > MaxNameLen || strings.HasPrefix(name, "*") {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.communities[name]; ok {
		return c
	}
	if r.acl != nil {
		if _, listed := r.acl.Entries[name]; !listed {
			return nil
		}
	}
	c := r.createLocked(name)
	c.Federated = true
	return c
}

// ReloadACL re-reads the community file. The swap is atomic: a parse error
// leaves the previous ACL serving. Communities that vanished from the file
// stay for their edges' lifetime but stop accepting new registrations;
// their auto-IP subnets therefore stay occupied, keeping assignments
// deterministic.
func (r *Registry) ReloadACL() error {
	if r.aclPath == "" {
		return nil // open mode has nothing to reload
	}
	acl, err := LoadACL(r.aclPath)
	if err != nil {
		slog.Warn("community file reload failed, keeping previous ACL", "path", r.aclPath, "err", err)
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyACLLocked(acl)
	slog.Info("communities reloaded", "path", r.aclPath, "entries", len(acl.Entries))
	return nil
}

func (r *Registry) applyACL(acl *ACL) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyACLLocked(acl)
}

func (r *Registry) applyACLLocked(acl *ACL) {
	r.acl = acl
	// Shared secrets derive from key material that may just have changed.
	r.userKeys = make(map[string][]byte)

	// Pre-create listed communities so their subnets are claimed in a
	// stable order and reflect ACL edits onto live ones.
	names := make([]string, 0, len(acl.Entries))
	for name := range acl.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if c, ok := r.communities[name]; ok {
			r.applyEntryLocked(c, acl.Entries[name])
			c.Joinable = true
			continue
		}
		r.createLocked(name)
	}

	for name, c := range r.communities {
		if c.IsFederation {
			continue
		}
		if _, listed := acl.Entries[name]; !listed {
			c.Joinable = false
			slog.Info("community removed from ACL, now read-only", "community", name)
		}
	}
}

// Communities snapshots the registry in name order.
func (r *Registry) Communities() []*Community {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Community, 0, len(r.communities))
	for _, c := range r.communities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- wire.Keyring ---

// EncodeKey returns the sealing key for outbound datagrams to a community.
func (r *Registry) EncodeKey(name string) (wire.Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.communities[name]
	if !ok || c.Mode != wire.ModeStatic || c.HeaderKey == nil {
		// User-password headers are sealed per user; the supernode answers
		// those with the key that authenticated the request, handled by the
		// session engine via ReplyKeyring.
		return wire.Key{}, false
	}
	return wire.Key{Mode: wire.ModeStatic, Community: name, Bytes: c.HeaderKey}, true
}

// DecodeKeys returns every candidate header key in a fixed order: static
// community keys first, then per-user keys, each name-sorted.
func (r *Registry) DecodeKeys() []wire.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.communities))
	for name := range r.communities {
		names = append(names, name)
	}
	sort.Strings(names)

	var keys []wire.Key
	for _, name := range names {
		c := r.communities[name]
		if c.Mode == wire.ModeStatic && c.HeaderKey != nil {
			keys = append(keys, wire.Key{Mode: wire.ModeStatic, Community: name, Bytes: c.HeaderKey})
		}
	}
	for _, name := range names {
		c := r.communities[name]
		if c.Mode != wire.ModeUser {
			continue
		}
		users := make([]string, 0, len(c.Users))
		for u := range c.Users {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			key := r.userKeyLocked(c, u)
			if key == nil {
				continue
			}
			keys = append(keys, wire.Key{Mode: wire.ModeUser, Community: name, User: u, Bytes: key})
		}
	}
	return keys
}

// UserKey returns the derived header key for one (community, user) pair.
func (r *Registry) UserKey(name, user string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.communities[name]
	if !ok {
		return nil
	}
	return r.userKeyLocked(c, user)
}

func (r *Registry) userKeyLocked(c *Community, user string) []byte {
	cacheKey := c.Name + "\x00" + user
	if k, ok := r.userKeys[cacheKey]; ok {
		return k
	}
	pub, ok := c.Users[user]
	if !ok || r.identity == nil {
		return nil
	}
	k, err := crypto.DeriveUserKey(r.identity, pub, []byte(c.Name))
	if err != nil {
		slog.Warn("user key derivation failed", "community", c.Name, "user", user, "err", err)
		return nil
	}
	r.userKeys[cacheKey] = k
	return k
}
