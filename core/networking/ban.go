package networking

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stemrelay/core/logx"
	"stemrelay/core/storage"
)

// Progressive ban durations
var banDurations = []time.Duration{
	10 * time.Minute,
	1 * time.Hour,
	24 * time.Hour,
}

const permabanDuration = 100 * 365 * 24 * time.Hour // effectively permanent

// BanStore persists bans across restarts.
type BanStore interface {
	SaveBan(address string, expiry time.Time, count int) error
	DeleteBan(address string) error
	LoadBans() ([]storage.BanEntry, error)
}

// BanList tracks banned hosts. Each new ban of the same host lasts longer.
type BanList struct {
	mu     sync.Mutex
	banned map[string]time.Time
	counts map[string]int
	store  BanStore
	now    func() time.Time
	log    zerolog.Logger
}

// NewBanList loads persisted bans when store is non-nil.
func NewBanList(store BanStore) *BanList {
	b := &BanList{
		banned: make(map[string]time.Time),
		counts: make(map[string]int),
		store:  store,
		now:    time.Now,
		log:    logx.New("ban"),
	}
	if store == nil {
		return b
	}
	entries, err := store.LoadBans()
	if err != nil {
		b.log.Error().Err(err).Msg("load persisted bans")
		return b
	}
	imported := 0
	for _, e := range entries {
		b.counts[e.Address] = e.Count
		if !e.Expiry.IsZero() {
			b.banned[e.Address] = e.Expiry
			imported++
		}
	}
	b.log.Info().Int("bans", imported).Msg("imported persistent bans")
	return b
}

// Ban bans address for the next duration in the progression and returns it.
func (b *BanList) Ban(address string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[address]++
	count := b.counts[address]
	dur := permabanDuration
	if count <= len(banDurations) {
		dur = banDurations[count-1]
	}
	expiry := b.now().Add(dur)
	b.banned[address] = expiry
	b.log.Warn().Str("peer", address).Dur("for", dur).Int("violation", count).Msg("peer banned")
	if b.store != nil {
		if err := b.store.SaveBan(address, expiry, count); err != nil {
			b.log.Error().Err(err).Str("peer", address).Msg("persist ban")
		}
	}
	return dur
}

// IsBanned reports whether address is banned, lifting expired bans.
func (b *BanList) IsBanned(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, ok := b.banned[address]
	if !ok {
		return false
	}
	if b.now().After(expiry) {
		delete(b.banned, address)
		b.log.Info().Str("peer", address).Msg("ban expired")
		if b.store != nil {
			if err := b.store.DeleteBan(address); err != nil {
				b.log.Error().Err(err).Str("peer", address).Msg("remove persistent ban")
			}
		}
		return false
	}
	return true
}

// BanInfo is one active ban, for the API.
type BanInfo struct {
	Address    string    `json:"address"`
	Until      time.Time `json:"until"`
	Violations int       `json:"violations"`
}

func (b *BanList) List() []BanInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BanInfo, 0, len(b.banned))
	for addr, until := range b.banned {
		out = append(out, BanInfo{Address: addr, Until: until, Violations: b.counts[addr]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
