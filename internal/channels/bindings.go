package channels

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/natsbus"
	"github.com/google/uuid"
)

var (
	ErrTokenBound      = errors.New("token already bound")
	ErrBindingNotFound = errors.New("binding not found")
)

type bindingKey struct {
	channelType adapter.ChannelType
	hash        string
}

// Conflict lists every instance holding an active binding on the same
// (channel type, credential hash) key.
type Conflict struct {
	ChannelType adapter.ChannelType `json:"channel_type"`
	TokenHash   string              `json:"bot_token_hash"`
	InstanceIDs []string            `json:"instance_ids"`
}

func newBindingID() string {
	return uuid.New().String()
}

// HashToken returns the hex SHA-256 digest stored in place of a credential.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Bind claims token for instanceID on channelType. Rebinding the same
// instance reactivates its binding and keeps the original bind time while it
// stays active; a token actively held by another instance is rejected with
// ErrTokenBound naming the owner.
func (s *Store) Bind(instanceID, channelType, token string) (adapter.ChannelBinding, error) {
	ct, err := adapter.ParseChannelType(channelType)
	if err != nil {
		return adapter.ChannelBinding{}, err
	}
	key := bindingKey{ct, HashToken(token)}

	s.mu.Lock()
	var b *adapter.ChannelBinding
	if id, ok := s.index[key]; ok {
		existing := s.bindings[id]
		if existing.Status == adapter.BindingActive && existing.InstanceID != instanceID {
			s.mu.Unlock()
			return adapter.ChannelBinding{}, fmt.Errorf("%w to instance %s", ErrTokenBound, existing.InstanceID)
		}
		if existing.InstanceID == instanceID {
			b = existing
		}
	}
	if b == nil {
		b = &adapter.ChannelBinding{
			ID:          s.newID(),
			InstanceID:  instanceID,
			ChannelType: ct,
			TokenHash:   key.hash,
		}
		s.bindings[b.ID] = b
		s.index[key] = b.ID
	}
	if b.Status != adapter.BindingActive {
		b.BoundAtUnixMs = s.now().UnixMilli()
	}
	b.Status = adapter.BindingActive
	out := *b
	s.mu.Unlock()

	s.saveBinding(out)
	slog.Info("channel bound", "instance", instanceID, "type", ct, "binding", out.ID)
	natsbus.Emit(s.events, natsbus.TopicEventsChannel("bound"), "bound", out)
	return out, nil
}

// ForceBind records an active binding without the ownership check. It
// exists for repair tooling and for exercising DetectConflicts.
func (s *Store) ForceBind(instanceID string, ct adapter.ChannelType, tokenHash string) adapter.ChannelBinding {
	b := &adapter.ChannelBinding{
		ID:          s.newID(),
		InstanceID:  instanceID,
		ChannelType: ct,
		TokenHash:   tokenHash,
		Status:      adapter.BindingActive,
	}

	s.mu.Lock()
	b.BoundAtUnixMs = s.now().UnixMilli()
	s.bindings[b.ID] = b
	key := bindingKey{ct, tokenHash}
	if _, ok := s.index[key]; !ok {
		s.index[key] = b.ID
	}
	out := *b
	s.mu.Unlock()

	s.saveBinding(out)
	slog.Warn("binding forced", "instance", instanceID, "type", ct, "binding", out.ID)
	return out
}

// Unbind releases the binding with id. The record is kept for audit.
func (s *Store) Unbind(id string) (adapter.ChannelBinding, error) {
	s.mu.Lock()
	b, ok := s.bindings[id]
	if !ok {
		s.mu.Unlock()
		return adapter.ChannelBinding{}, fmt.Errorf("%w: %s", ErrBindingNotFound, id)
	}
	b.Status = adapter.BindingReleased
	out := *b
	s.mu.Unlock()

	s.saveBinding(out)
	slog.Info("channel unbound", "instance", out.InstanceID, "type", out.ChannelType, "binding", id)
	natsbus.Emit(s.events, natsbus.TopicEventsChannel("released"), "released", out)
	return out, nil
}

// UnbindIndex releases the binding at position i of ListBindings. Positions
// shift whenever bindings are added, so prefer Unbind.
func (s *Store) UnbindIndex(i int) (adapter.ChannelBinding, error) {
	list := s.ListBindings()
	if i < 0 || i >= len(list) {
		return adapter.ChannelBinding{}, fmt.Errorf("%w: index %d", ErrBindingNotFound, i)
	}
	return s.Unbind(list[i].ID)
}

func (s *Store) GetBinding(id string) (adapter.ChannelBinding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[id]
	if !ok {
		return adapter.ChannelBinding{}, false
	}
	return *b, true
}

// ListBindings returns every binding, released ones included, ordered by
// channel type, hash, bind time and id.
func (s *Store) ListBindings() []adapter.ChannelBinding {
	s.mu.RLock()
	out := make([]adapter.ChannelBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, *b)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ChannelType != b.ChannelType {
			return a.ChannelType < b.ChannelType
		}
		if a.TokenHash != b.TokenHash {
			return a.TokenHash < b.TokenHash
		}
		if a.BoundAtUnixMs != b.BoundAtUnixMs {
			return a.BoundAtUnixMs < b.BoundAtUnixMs
		}
		return a.ID < b.ID
	})
	return out
}

// DetectConflicts reports keys whose active bindings span more than one
// instance. Bind prevents this; a conflict means the check was bypassed.
func (s *Store) DetectConflicts() []Conflict {
	s.mu.RLock()
	owners := make(map[bindingKey]map[string]bool)
	for _, b := range s.bindings {
		if b.Status != adapter.BindingActive {
			continue
		}
		key := bindingKey{b.ChannelType, b.TokenHash}
		if owners[key] == nil {
			owners[key] = make(map[string]bool)
		}
		owners[key][b.InstanceID] = true
	}
	s.mu.RUnlock()

	var out []Conflict
	for key, set := range owners {
		if len(set) < 2 {
			continue
		}
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, Conflict{ChannelType: key.channelType, TokenHash: key.hash, InstanceIDs: ids})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelType != out[j].ChannelType {
			return out[i].ChannelType < out[j].ChannelType
		}
		return out[i].TokenHash < out[j].TokenHash
	})
	return out
}

func (s *Store) saveBinding(b adapter.ChannelBinding) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveBinding(b); err != nil {
		slog.Error("persist binding failed", "binding", b.ID, "error", err)
	}
}
