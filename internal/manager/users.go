package manager

import (
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/amid/internal/acl"
	"pkt.systems/amid/internal/perm"
)

// User is one manager.conf account.
type User struct {
	Name            string
	Secret          string
	ACL             *acl.List
	Read            perm.Mask
	Write           perm.Mask
	WriteTimeout    time.Duration
	DisplayConnects bool

	keep bool
}

// PeerAllowed reports whether remote (host:port or bare address) passes the
// user's permit/deny rules.
func (u *User) PeerAllowed(remote string) bool {
	if u.ACL.Len() == 0 {
		return true
	}
	addr, ok := acl.ParseHostAddr(remote)
	if !ok {
		return false
	}
	return u.ACL.Allows(addr)
}

// userRegistry holds the accounts keyed by lowercase name.
type userRegistry struct {
	mu    sync.RWMutex
	users map[string]*User
}

func newUserRegistry() *userRegistry {
	return &userRegistry{users: make(map[string]*User)}
}

func (r *userRegistry) get(name string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

func (r *userRegistry) list() []User {
	r.mu.RLock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// replace applies a freshly parsed account set. Existing entries are marked
// unkept, refreshed from the new set, and whatever is still unkept
// afterwards is removed. The whole pass runs under the writer lock so
// readers never see a partial registry. It returns the names removed.
func (r *userRegistry) replace(next []*User) (added, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		u.keep = false
	}
	for _, n := range next {
		key := strings.ToLower(n.Name)
		cur, ok := r.users[key]
		if !ok {
			cur = &User{}
			r.users[key] = cur
			added = append(added, n.Name)
		}
		*cur = *n
		cur.keep = true
	}
	for key, u := range r.users {
		if !u.keep {
			removed = append(removed, u.Name)
			delete(r.users, key)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func (r *userRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
