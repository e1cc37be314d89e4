package server

import "sort"

// registry maps a user identity to the connection that announced it. It is
// not safe for concurrent use; the owning Hub serializes access.
type registry struct {
	byUser map[string]*Client
}

func newRegistry() *registry {
	return &registry{byUser: make(map[string]*Client)}
}

// set maps userID to c and returns the connection it replaced, if any.
func (r *registry) set(userID string, c *Client) *Client {
	prev := r.byUser[userID]
	r.byUser[userID] = c
	return prev
}

func (r *registry) lookup(userID string) (*Client, bool) {
	c, ok := r.byUser[userID]
	return c, ok
}

// removeConn deletes every entry that references c and returns the
// identities that were removed, sorted.
func (r *registry) removeConn(c *Client) []string {
	var removed []string
	for userID, owner := range r.byUser {
		if owner == c {
			delete(r.byUser, userID)
			removed = append(removed, userID)
		}
	}
	sort.Strings(removed)
	return removed
}

// userIDs returns a sorted snapshot of the registered identities. It never
// returns nil so that an empty registry encodes as [].
func (r *registry) userIDs() []string {
	ids := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids
}

func (r *registry) len() int {
	return len(r.byUser)
}
