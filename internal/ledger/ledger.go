package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMiningTimeout is returned when the proof-of-work search exhausts
	// its attempt bound or the caller's context before finding a nonce.
	ErrMiningTimeout = errors.New("proof-of-work search exceeded its bound")

	// ErrChainHalted is returned by Append after Verify has reported an
	// integrity failure. Writes stay paused until Resume is called.
	ErrChainHalted = errors.New("ledger halted pending integrity audit")
)

// IntegrityError reports the first block at which chain verification failed.
type IntegrityError struct {
	Index  uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation at block %d: %s", e.Index, e.Reason)
}

// Payload keys shared with the settlement engine.
const (
	PayloadKeyEvent    = "event"
	PayloadKeyContract = "contract_id"
	PayloadKeyOwner    = "owner_id"
)

// genesisPrevHash is the reserved previous-hash sentinel for block 0.
const genesisPrevHash = "0"

// now truncates to microseconds so hashes survive a round-trip through
// the archive, which stores timestamps at microsecond precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Payload is the audited event carried by a block. Keys are hashed in
// sorted order, so two payloads with the same entries hash identically.
type Payload map[string]string

func (p Payload) clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Block is one sealed audit entry. Blocks are never mutated after append;
// corrections are made by appending a compensating event.
type Block struct {
	Index     uint64    `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
	PrevHash  string    `json:"previous_hash"`
	Nonce     uint64    `json:"nonce"`
	Hash      string    `json:"hash"`
}

// computeHash digests the block's own fields. The timestamp is pinned to
// RFC3339Nano UTC so the digest survives storage round-trips.
func (b *Block) computeHash() string {
	input, _ := json.Marshal(struct {
		Index     uint64  `json:"index"`
		Timestamp string  `json:"timestamp"`
		Payload   Payload `json:"payload"`
		PrevHash  string  `json:"previous_hash"`
		Nonce     uint64  `json:"nonce"`
	}{
		Index:     b.Index,
		Timestamp: b.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   b.Payload,
		PrevHash:  b.PrevHash,
		Nonce:     b.Nonce,
	})

	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

func (b *Block) clone() Block {
	out := *b
	out.Payload = b.Payload.clone()
	return out
}

// Archive persists sealed blocks in append order. Implementations are
// best-effort; archive failures never unseal a block.
type Archive interface {
	SaveBlock(ctx context.Context, block *Block) error
}

// Config holds chain settings.
type Config struct {
	// Difficulty is the number of leading zero hex digits required of a
	// block hash. It makes tampering computationally visible; there is no
	// consensus, the chain has one authoritative writer.
	Difficulty int

	// MaxAttempts bounds the nonce search per block so a misconfigured
	// difficulty surfaces ErrMiningTimeout instead of hanging the caller.
	MaxAttempts uint64

	Archive Archive
	Logger  *zap.Logger
}

const (
	defaultDifficulty  = 2
	defaultMaxAttempts = 1 << 24
)

// Chain is the append-only, hash-linked, proof-of-work-sealed ledger.
// Appends are serialized; reads and verification may run concurrently.
type Chain struct {
	mu     sync.RWMutex
	blocks []*Block
	halted bool

	difficulty  int
	maxAttempts uint64
	target      string

	archive Archive
	logger  *zap.Logger
}

// New creates a chain and mines its genesis block.
func New(cfg Config) (*Chain, error) {
	if cfg.Difficulty <= 0 {
		cfg.Difficulty = defaultDifficulty
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Chain{
		difficulty:  cfg.Difficulty,
		maxAttempts: cfg.MaxAttempts,
		target:      strings.Repeat("0", cfg.Difficulty),
		archive:     cfg.Archive,
		logger:      cfg.Logger,
	}

	genesis := &Block{
		Index:     0,
		Timestamp: now(),
		Payload: Payload{
			PayloadKeyEvent: "genesis",
			"message":       "AgriHedge genesis block",
		},
		PrevHash: genesisPrevHash,
	}
	if err := c.mine(context.Background(), genesis); err != nil {
		return nil, fmt.Errorf("failed to mine genesis block: %w", err)
	}
	c.blocks = append(c.blocks, genesis)
	c.persist(genesis)

	c.logger.Info("genesis block created", zap.String("hash", genesis.Hash))
	return c, nil
}

// Restore rebuilds a chain from archived blocks, verifying them before
// accepting. Used on restart so the ledger survives the process.
func Restore(cfg Config, blocks []Block) (*Chain, error) {
	if len(blocks) == 0 {
		return New(cfg)
	}
	if cfg.Difficulty <= 0 {
		cfg.Difficulty = defaultDifficulty
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if err := VerifyBlocks(blocks); err != nil {
		return nil, err
	}
	if blocks[0].Index != 0 || blocks[0].PrevHash != genesisPrevHash {
		return nil, &IntegrityError{Index: blocks[0].Index, Reason: "chain does not start at genesis"}
	}

	c := &Chain{
		difficulty:  cfg.Difficulty,
		maxAttempts: cfg.MaxAttempts,
		target:      strings.Repeat("0", cfg.Difficulty),
		archive:     cfg.Archive,
		logger:      cfg.Logger,
	}
	c.blocks = make([]*Block, 0, len(blocks))
	for i := range blocks {
		b := blocks[i].clone()
		c.blocks = append(c.blocks, &b)
	}

	c.logger.Info("ledger restored from archive", zap.Int("blocks", len(blocks)))
	return c, nil
}

// Append mines a new block for payload and extends the chain. The nonce
// search runs against a snapshot of the tail without holding the chain
// lock; if another append wins the race in between, mining is retried
// against the new tail so the chain can never fork.
func (c *Chain) Append(ctx context.Context, payload Payload) (*Block, error) {
	for {
		c.mu.RLock()
		if c.halted {
			c.mu.RUnlock()
			return nil, ErrChainHalted
		}
		tail := c.blocks[len(c.blocks)-1]
		index := uint64(len(c.blocks))
		prevHash := tail.Hash
		c.mu.RUnlock()

		block := &Block{
			Index:     index,
			Timestamp: now(),
			Payload:   payload.clone(),
			PrevHash:  prevHash,
		}
		if err := c.mine(ctx, block); err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.halted {
			c.mu.Unlock()
			return nil, ErrChainHalted
		}
		if uint64(len(c.blocks)) == index && c.blocks[len(c.blocks)-1].Hash == prevHash {
			c.blocks = append(c.blocks, block)
			c.mu.Unlock()

			c.persist(block)
			c.logger.Debug("block sealed",
				zap.Uint64("index", block.Index),
				zap.Uint64("nonce", block.Nonce),
				zap.String("event", payload[PayloadKeyEvent]))
			return block, nil
		}
		c.mu.Unlock()

		// Lost the tail race; mine again against the new tail.
		c.logger.Debug("append lost tail race, retrying", zap.Uint64("index", index))
	}
}

// mine searches for a nonce whose hash carries the difficulty prefix.
func (c *Chain) mine(ctx context.Context, block *Block) error {
	for attempt := uint64(0); attempt < c.maxAttempts; attempt++ {
		if attempt%4096 == 0 {
			select {
			case <-ctx.Done():
				return ErrMiningTimeout
			default:
			}
		}

		block.Nonce = attempt
		hash := block.computeHash()
		if strings.HasPrefix(hash, c.target) {
			block.Hash = hash
			return nil
		}
	}
	return ErrMiningTimeout
}

func (c *Chain) persist(block *Block) {
	if c.archive == nil {
		return
	}
	if err := c.archive.SaveBlock(context.Background(), block); err != nil {
		c.logger.Warn("failed to archive block",
			zap.Uint64("index", block.Index), zap.Error(err))
	}
}

// Verify re-scans the chain from block 1 onward, recomputing each hash
// and checking linkage. On the first mismatch it halts further appends
// and returns an IntegrityError naming the offending index.
func (c *Chain) Verify() error {
	c.mu.RLock()
	blocks := c.blocks
	err := verify(blocks)
	c.mu.RUnlock()

	if err == nil {
		return nil
	}

	c.mu.Lock()
	c.halted = true
	c.mu.Unlock()

	c.logger.Error("ledger integrity check failed, appends halted", zap.Error(err))
	return err
}

func verify(blocks []*Block) error {
	for i := 1; i < len(blocks); i++ {
		current := blocks[i]
		previous := blocks[i-1]

		if current.Hash != current.computeHash() {
			return &IntegrityError{Index: current.Index, Reason: "hash does not match block contents"}
		}
		if current.PrevHash != previous.Hash {
			return &IntegrityError{Index: current.Index, Reason: "previous-hash link broken"}
		}
	}
	return nil
}

// VerifyBlocks checks an exported sequence of blocks, for audit tooling
// operating outside a live chain.
func VerifyBlocks(blocks []Block) error {
	refs := make([]*Block, len(blocks))
	for i := range blocks {
		refs[i] = &blocks[i]
	}
	return verify(refs)
}

// Halted reports whether appends are paused after an integrity failure.
func (c *Chain) Halted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

// Resume re-enables appends after a manual audit, provided the chain
// verifies clean again.
func (c *Chain) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := verify(c.blocks); err != nil {
		return err
	}
	c.halted = false
	return nil
}

// FindByHash returns the block with the given hash.
func (c *Chain) FindByHash(hash string) (Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, b := range c.blocks {
		if b.Hash == hash {
			return b.clone(), true
		}
	}
	return Block{}, false
}

// FindByOwner returns all blocks whose payload references the owner.
// Linear scan: the ledger is an audit trail, not a query engine.
func (c *Chain) FindByOwner(ownerID string) []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Block
	for _, b := range c.blocks {
		if b.Payload[PayloadKeyOwner] == ownerID {
			out = append(out, b.clone())
		}
	}
	return out
}

// Export returns a copy of the full chain for external audit tooling.
func (c *Chain) Export() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Block, 0, len(c.blocks))
	for _, b := range c.blocks {
		out = append(out, b.clone())
	}
	return out
}

// Tail returns the most recent block.
func (c *Chain) Tail() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].clone()
}

// Len returns the chain length including genesis.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Difficulty returns the configured proof-of-work difficulty.
func (c *Chain) Difficulty() int {
	return c.difficulty
}

// Info summarizes the chain for status endpoints.
type Info struct {
	Length     int   `json:"length"`
	Difficulty int   `json:"difficulty"`
	Valid      bool  `json:"valid"`
	Halted     bool  `json:"halted"`
	Tail       Block `json:"tail"`
}

// Describe reports chain length, difficulty, validity and the tail block.
func (c *Chain) Describe() Info {
	c.mu.RLock()
	valid := verify(c.blocks) == nil
	info := Info{
		Length:     len(c.blocks),
		Difficulty: c.difficulty,
		Valid:      valid,
		Halted:     c.halted,
		Tail:       c.blocks[len(c.blocks)-1].clone(),
	}
	c.mu.RUnlock()
	return info
}
