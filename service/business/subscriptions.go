package business

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pitabwire/util"

	"github.com/taskhive/service-realtime/internal"
)

var (
	// ErrTeamAccessDenied is returned when the membership directory does not
	// confirm the requesting user belongs to the team.
	ErrTeamAccessDenied = errors.New("team access denied")

	// ErrDirectoryUnavailable wraps membership directory failures. Access is
	// denied on failure, never granted.
	ErrDirectoryUnavailable = errors.New("membership directory unavailable")
)

const subscriptionShardCount = 32

// SubscriptionManager maintains the two-way mapping between connections and
// channels. Every join is authorized against the membership directory at
// request time; cached prior answers are never consulted.
type SubscriptionManager interface {
	// InitSubscriptions subscribes a fresh connection to its user channel and
	// to the team channel of every team the directory reports for the user.
	InitSubscriptions(ctx context.Context, connID, userID string) error

	// JoinTeam subscribes the connection to a team channel after verifying
	// membership with the directory.
	JoinTeam(ctx context.Context, connID, userID, teamID string) error

	// LeaveTeam unsubscribes only this connection from the team channel.
	LeaveTeam(connID, teamID string)

	// Teardown removes every subscription held by the connection. Safe to
	// call more than once.
	Teardown(connID string)

	// SubscribersOf returns the IDs of connections subscribed to a channel.
	SubscribersOf(channel ChannelID) []string

	// ChannelsOf returns the channels a connection is subscribed to.
	ChannelsOf(connID string) []ChannelID
}

type connSubsShard struct {
	mu       sync.RWMutex
	channels map[string]map[ChannelID]struct{} // connID -> channels
}

type channelSubsShard struct {
	mu          sync.RWMutex
	subscribers map[ChannelID]map[string]struct{} // channel -> connIDs
}

// subscriptionManager shards both directions of the mapping independently.
// Mutations for one connection come from that connection's own worker, so
// the two sides converge without a cross-shard transaction.
type subscriptionManager struct {
	directory  MembershipDirectory
	connShards [subscriptionShardCount]*connSubsShard
	chanShards [subscriptionShardCount]*channelSubsShard
}

// NewSubscriptionManager creates a subscription manager backed by the given
// membership directory.
func NewSubscriptionManager(directory MembershipDirectory) SubscriptionManager {
	m := &subscriptionManager{directory: directory}
	for i := range subscriptionShardCount {
		m.connShards[i] = &connSubsShard{
			channels: make(map[string]map[ChannelID]struct{}),
		}
		m.chanShards[i] = &channelSubsShard{
			subscribers: make(map[ChannelID]map[string]struct{}),
		}
	}
	return m
}

func (m *subscriptionManager) connShard(connID string) *connSubsShard {
	return m.connShards[internal.ShardForKey(connID, subscriptionShardCount)]
}

func (m *subscriptionManager) chanShard(channel ChannelID) *channelSubsShard {
	return m.chanShards[internal.ShardForKey(string(channel), subscriptionShardCount)]
}

func (m *subscriptionManager) subscribe(connID string, channel ChannelID) {
	cs := m.connShard(connID)
	cs.mu.Lock()
	set, exists := cs.channels[connID]
	if !exists {
		set = make(map[ChannelID]struct{}, 4)
		cs.channels[connID] = set
	}
	set[channel] = struct{}{}
	cs.mu.Unlock()

	hs := m.chanShard(channel)
	hs.mu.Lock()
	subs, exists := hs.subscribers[channel]
	if !exists {
		subs = make(map[string]struct{}, 4)
		hs.subscribers[channel] = subs
	}
	subs[connID] = struct{}{}
	hs.mu.Unlock()
}

func (m *subscriptionManager) unsubscribe(connID string, channel ChannelID) {
	cs := m.connShard(connID)
	cs.mu.Lock()
	if set, exists := cs.channels[connID]; exists {
		delete(set, channel)
		if len(set) == 0 {
			delete(cs.channels, connID)
		}
	}
	cs.mu.Unlock()

	m.removeSubscriber(connID, channel)
}

func (m *subscriptionManager) removeSubscriber(connID string, channel ChannelID) {
	hs := m.chanShard(channel)
	hs.mu.Lock()
	if subs, exists := hs.subscribers[channel]; exists {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(hs.subscribers, channel)
		}
	}
	hs.mu.Unlock()
}

func (m *subscriptionManager) InitSubscriptions(ctx context.Context, connID, userID string) error {
	m.subscribe(connID, UserChannel(userID))

	// Directory call happens outside any shard lock.
	teams, err := m.directory.TeamsFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}

	for _, teamID := range teams {
		m.subscribe(connID, TeamChannel(teamID))
	}

	util.Log(ctx).WithFields(map[string]any{
		"conn_id": connID,
		"user_id": userID,
		"teams":   len(teams),
	}).Debug("initial subscriptions established")

	return nil
}

func (m *subscriptionManager) JoinTeam(ctx context.Context, connID, userID, teamID string) error {
	// Membership is verified on every request regardless of any prior answer.
	ok, err := m.directory.IsMember(ctx, userID, teamID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: user %s is not a member of team %s", ErrTeamAccessDenied, userID, teamID)
	}

	m.subscribe(connID, TeamChannel(teamID))
	return nil
}

func (m *subscriptionManager) LeaveTeam(connID, teamID string) {
	m.unsubscribe(connID, TeamChannel(teamID))
}

func (m *subscriptionManager) Teardown(connID string) {
	cs := m.connShard(connID)

	cs.mu.Lock()
	set := cs.channels[connID]
	delete(cs.channels, connID)
	cs.mu.Unlock()

	for channel := range set {
		m.removeSubscriber(connID, channel)
	}
}

func (m *subscriptionManager) SubscribersOf(channel ChannelID) []string {
	hs := m.chanShard(channel)

	hs.mu.RLock()
	subs := hs.subscribers[channel]
	result := make([]string, 0, len(subs))
	for connID := range subs {
		result = append(result, connID)
	}
	hs.mu.RUnlock()
	return result
}

func (m *subscriptionManager) ChannelsOf(connID string) []ChannelID {
	cs := m.connShard(connID)

	cs.mu.RLock()
	set := cs.channels[connID]
	result := make([]ChannelID, 0, len(set))
	for channel := range set {
		result = append(result, channel)
	}
	cs.mu.RUnlock()
	return result
}
