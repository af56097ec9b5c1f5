package subscription

import (
	"sort"
	"sync"

	"golang-tick-hub/internal/tick"
)

// Registry is the bidirectional token <-> connection index.
// Both maps are guarded by one lock and always mutated together, so a reader
// never sees one side of an entry without the other. Empty sets are deleted in
// the same critical section that empties them.
type Registry struct {
	mutex   sync.RWMutex
	byToken map[tick.Token]map[string]struct{}
	byConn  map[string]map[tick.Token]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byToken: make(map[tick.Token]map[string]struct{}),
		byConn:  make(map[string]map[tick.Token]struct{}),
	}
}

// Subscribe adds the (connection, token) entry and reports whether the
// connection is the token's first subscriber. Re-subscribing is a no-op.
func (r *Registry) Subscribe(connID string, token tick.Token) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	conns, exists := r.byToken[token]
	if exists {
		if _, already := conns[connID]; already {
			return false
		}
	} else {
		conns = make(map[string]struct{})
		r.byToken[token] = conns
	}
	conns[connID] = struct{}{}

	tokens := r.byConn[connID]
	if tokens == nil {
		tokens = make(map[tick.Token]struct{})
		r.byConn[connID] = tokens
	}
	tokens[token] = struct{}{}

	return !exists
}

// Unsubscribe removes the entry and reports whether this call left the token
// without subscribers. Removing an entry that does not exist returns false.
func (r *Registry) Unsubscribe(connID string, token tick.Token) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	conns, exists := r.byToken[token]
	if !exists {
		return false
	}
	if _, subscribed := conns[connID]; !subscribed {
		return false
	}

	delete(conns, connID)
	if tokens := r.byConn[connID]; tokens != nil {
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(r.byConn, connID)
		}
	}

	if len(conns) == 0 {
		delete(r.byToken, token)
		return true
	}
	return false
}

// RemoveConnection drops every entry of a closing connection and returns the
// tokens whose subscriber count reached zero, in ascending order
func (r *Registry) RemoveConnection(connID string) []tick.Token {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	tokens, exists := r.byConn[connID]
	if !exists {
		return nil
	}
	delete(r.byConn, connID)

	var dropped []tick.Token
	for token := range tokens {
		conns := r.byToken[token]
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byToken, token)
			dropped = append(dropped, token)
		}
	}

	sortTokens(dropped)
	return dropped
}

// SubscribersOf returns a snapshot of the connections subscribed to token.
// This is the fan-out hot path and only takes the read lock.
func (r *Registry) SubscribersOf(token tick.Token) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	conns := r.byToken[token]
	if len(conns) == 0 {
		return nil
	}
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

// TokensOf returns the tokens a connection is subscribed to, in ascending order
func (r *Registry) TokensOf(connID string) []tick.Token {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	tokens := r.byConn[connID]
	out := make([]tick.Token, 0, len(tokens))
	for token := range tokens {
		out = append(out, token)
	}
	sortTokens(out)
	return out
}

// Tokens returns the aggregate subscriber set: every token with at least one subscriber
func (r *Registry) Tokens() []tick.Token {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]tick.Token, 0, len(r.byToken))
	for token := range r.byToken {
		out = append(out, token)
	}
	sortTokens(out)
	return out
}

// Stats summarises the registry size
type Stats struct {
	Tokens      int `json:"tokens"`
	Connections int `json:"connections"`
	Entries     int `json:"entries"`
}

// Stats returns a consistent size snapshot
func (r *Registry) Stats() Stats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entries := 0
	for _, conns := range r.byToken {
		entries += len(conns)
	}
	return Stats{
		Tokens:      len(r.byToken),
		Connections: len(r.byConn),
		Entries:     entries,
	}
}

// check verifies the dual-index invariants. Tests call it after every mutation.
func (r *Registry) check() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var problems []string
	for token, conns := range r.byToken {
		if len(conns) == 0 {
			problems = append(problems, "token "+token.String()+" has no subscribers")
		}
		for id := range conns {
			if _, ok := r.byConn[id][token]; !ok {
				problems = append(problems, "token "+token.String()+" lists "+id+" without reverse entry")
			}
		}
	}
	for id, tokens := range r.byConn {
		if len(tokens) == 0 {
			problems = append(problems, "connection "+id+" has no tokens")
		}
		for token := range tokens {
			if _, ok := r.byToken[token][id]; !ok {
				problems = append(problems, "connection "+id+" lists "+token.String()+" without reverse entry")
			}
		}
	}
	return problems
}

func sortTokens(tokens []tick.Token) {
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
}
