package registry

import "sync"

// Default per-connection caps.
const (
	DefaultUserSubscriptionCap    = 100
	DefaultContentSubscriptionCap = 60
)

// Subscriptions tracks what each local connection wants to hear about:
// specific users, the general online feed, and content update rooms.
type Subscriptions struct {
	mu         sync.Mutex
	userCap    int
	contentCap int

	userSubs     map[string]map[string]struct{} // connID -> target userIDs
	userWatchers map[string]map[string]struct{} // target userID -> connIDs
	onlineFeed   map[string]struct{}            // connIDs

	contentSubs     map[string]map[string]struct{} // connID -> content ids
	contentWatchers map[string]map[string]struct{} // content id -> connIDs
}

// NewSubscriptions creates a registry with the given caps; non-positive caps use defaults.
func NewSubscriptions(userCap, contentCap int) *Subscriptions {
	if userCap <= 0 {
		userCap = DefaultUserSubscriptionCap
	}
	if contentCap <= 0 {
		contentCap = DefaultContentSubscriptionCap
	}
	return &Subscriptions{
		userCap:         userCap,
		contentCap:      contentCap,
		userSubs:        make(map[string]map[string]struct{}),
		userWatchers:    make(map[string]map[string]struct{}),
		onlineFeed:      make(map[string]struct{}),
		contentSubs:     make(map[string]map[string]struct{}),
		contentWatchers: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds user targets for a connection and returns the ids it now holds
// from the request. Targets beyond the cap are dropped silently.
func (s *Subscriptions) Subscribe(connID string, userIDs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addCapped(s.userSubs, s.userWatchers, connID, userIDs, s.userCap)
}

// Unsubscribe removes user targets for a connection.
func (s *Subscriptions) Unsubscribe(connID string, userIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removeTargets(s.userSubs, s.userWatchers, connID, userIDs)
}

// SubscribeOnlineFeed adds the connection to the general online feed.
func (s *Subscriptions) SubscribeOnlineFeed(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onlineFeed[connID] = struct{}{}
}

// UnsubscribeOnlineFeed removes the connection from the online feed.
func (s *Subscriptions) UnsubscribeOnlineFeed(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.onlineFeed, connID)
}

// OnlineFeed returns the connections subscribed to the online feed.
func (s *Subscriptions) OnlineFeed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keys(s.onlineFeed)
}

// SubscribeContent adds content rooms for a connection; the caller has already
// checked permissions. Rooms beyond the cap are dropped silently.
func (s *Subscriptions) SubscribeContent(connID string, contentIDs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addCapped(s.contentSubs, s.contentWatchers, connID, contentIDs, s.contentCap)
}

// UnsubscribeContent removes content rooms for a connection.
func (s *Subscriptions) UnsubscribeContent(connID string, contentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removeTargets(s.contentSubs, s.contentWatchers, connID, contentIDs)
}

// ContentRoomsRemaining returns how many more content rooms the connection may join.
func (s *Subscriptions) ContentRoomsRemaining(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentCap - len(s.contentSubs[connID])
}

// HasContent reports whether the connection already holds a content room.
func (s *Subscriptions) HasContent(connID, contentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contentSubs[connID][contentID]
	return ok
}

func (s *Subscriptions) userTargets(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keys(s.userSubs[connID])
}

// FanoutTargets returns every connection that should hear about userID: its
// direct subscribers plus the online feed, deduplicated.
func (s *Subscriptions) FanoutTargets(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.userWatchers[userID])+len(s.onlineFeed))
	for id := range s.userWatchers[userID] {
		seen[id] = struct{}{}
	}
	for id := range s.onlineFeed {
		seen[id] = struct{}{}
	}
	return keys(seen)
}

// ContentTargets returns the connections subscribed to a content room.
func (s *Subscriptions) ContentTargets(contentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keys(s.contentWatchers[contentID])
}

// RemoveConnection drops everything a connection subscribed to.
func (s *Subscriptions) RemoveConnection(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removeTargets(s.userSubs, s.userWatchers, connID, keys(s.userSubs[connID]))
	removeTargets(s.contentSubs, s.contentWatchers, connID, keys(s.contentSubs[connID]))
	delete(s.onlineFeed, connID)
}

func addCapped(forward, reverse map[string]map[string]struct{}, connID string, targets []string, limit int) []string {
	set := forward[connID]
	if set == nil {
		set = make(map[string]struct{})
		forward[connID] = set
	}

	accepted := make([]string, 0, len(targets))
	for _, target := range targets {
		if target == "" {
			continue
		}
		if _, ok := set[target]; ok {
			accepted = append(accepted, target)
			continue
		}
		if len(set) >= limit {
			continue
		}
		set[target] = struct{}{}
		watchers := reverse[target]
		if watchers == nil {
			watchers = make(map[string]struct{})
			reverse[target] = watchers
		}
		watchers[connID] = struct{}{}
		accepted = append(accepted, target)
	}
	if len(set) == 0 {
		delete(forward, connID)
	}
	return dedupe(accepted)
}

func removeTargets(forward, reverse map[string]map[string]struct{}, connID string, targets []string) {
	set := forward[connID]
	for _, target := range targets {
		delete(set, target)
		if watchers, ok := reverse[target]; ok {
			delete(watchers, connID)
			if len(watchers) == 0 {
				delete(reverse, target)
			}
		}
	}
	if len(set) == 0 {
		delete(forward, connID)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
