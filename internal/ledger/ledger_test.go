package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	chain, err := New(Config{Difficulty: 2})
	require.NoError(t, err)
	return chain
}

func TestNewChain(t *testing.T) {
	t.Run("should mine a genesis block", func(t *testing.T) {
		chain := newTestChain(t)

		assert.Equal(t, 1, chain.Len())

		genesis := chain.Tail()
		assert.Equal(t, uint64(0), genesis.Index)
		assert.Equal(t, "0", genesis.PrevHash)
		assert.True(t, strings.HasPrefix(genesis.Hash, "00"))
		assert.Equal(t, genesis.Hash, genesis.computeHash())
	})
}

func TestAppend(t *testing.T) {
	t.Run("should link each block to the previous hash", func(t *testing.T) {
		chain := newTestChain(t)
		ctx := context.Background()

		first, err := chain.Append(ctx, Payload{PayloadKeyEvent: "contract_opened", PayloadKeyContract: "c-1"})
		require.NoError(t, err)
		second, err := chain.Append(ctx, Payload{PayloadKeyEvent: "contract_settled", PayloadKeyContract: "c-1"})
		require.NoError(t, err)

		assert.Equal(t, uint64(1), first.Index)
		assert.Equal(t, uint64(2), second.Index)
		assert.Equal(t, first.Hash, second.PrevHash)
		assert.True(t, strings.HasPrefix(first.Hash, "00"))
		assert.True(t, strings.HasPrefix(second.Hash, "00"))
		require.NoError(t, chain.Verify())
	})

	t.Run("should not share the caller's payload map", func(t *testing.T) {
		chain := newTestChain(t)

		payload := Payload{PayloadKeyEvent: "contract_opened"}
		block, err := chain.Append(context.Background(), payload)
		require.NoError(t, err)

		payload[PayloadKeyEvent] = "mutated"
		assert.Equal(t, "contract_opened", block.Payload[PayloadKeyEvent])
		require.NoError(t, chain.Verify())
	})

	t.Run("should time out when difficulty is misconfigured", func(t *testing.T) {
		chain, err := New(Config{Difficulty: 12, MaxAttempts: 1 << 16})
		require.Error(t, err)
		assert.Nil(t, chain)
		assert.ErrorIs(t, err, ErrMiningTimeout)
	})

	t.Run("should stop mining when the context is cancelled", func(t *testing.T) {
		chain := newTestChain(t)
		chain.target = strings.Repeat("0", 16) // unreachable

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := chain.Append(ctx, Payload{PayloadKeyEvent: "contract_opened"})
		assert.ErrorIs(t, err, ErrMiningTimeout)
	})
}

func TestConcurrentAppends(t *testing.T) {
	t.Run("should never fork under concurrent appends", func(t *testing.T) {
		chain := newTestChain(t)

		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := chain.Append(context.Background(), Payload{
					PayloadKeyEvent:    "contract_opened",
					PayloadKeyContract: fmt.Sprintf("c-%d", n),
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, writers+1, chain.Len())
		require.NoError(t, chain.Verify())

		// Every index appears exactly once.
		seen := make(map[uint64]bool)
		for _, b := range chain.Export() {
			assert.False(t, seen[b.Index])
			seen[b.Index] = true
		}
	})
}

func TestVerify(t *testing.T) {
	t.Run("should pass on an untouched chain", func(t *testing.T) {
		chain := newTestChain(t)
		for i := 0; i < 3; i++ {
			_, err := chain.Append(context.Background(), Payload{PayloadKeyEvent: "contract_opened"})
			require.NoError(t, err)
		}

		assert.NoError(t, chain.Verify())
		assert.False(t, chain.Halted())
	})

	t.Run("should report the first tampered block and halt appends", func(t *testing.T) {
		chain := newTestChain(t)
		for i := 0; i < 2; i++ {
			_, err := chain.Append(context.Background(), Payload{
				PayloadKeyEvent: "contract_opened",
				"quantity":      "100",
			})
			require.NoError(t, err)
		}

		chain.blocks[1].Payload["quantity"] = "999"

		err := chain.Verify()
		require.Error(t, err)

		var integrity *IntegrityError
		require.True(t, errors.As(err, &integrity))
		assert.Equal(t, uint64(1), integrity.Index)
		assert.True(t, chain.Halted())

		_, err = chain.Append(context.Background(), Payload{PayloadKeyEvent: "contract_opened"})
		assert.ErrorIs(t, err, ErrChainHalted)
	})

	t.Run("should detect a broken link", func(t *testing.T) {
		chain := newTestChain(t)
		for i := 0; i < 2; i++ {
			_, err := chain.Append(context.Background(), Payload{PayloadKeyEvent: "contract_opened"})
			require.NoError(t, err)
		}

		// Re-seal block 1 so its own hash is consistent but the link
		// from block 2 no longer matches.
		chain.blocks[1].Payload[PayloadKeyEvent] = "contract_cancelled"
		require.NoError(t, chain.mine(context.Background(), chain.blocks[1]))

		err := chain.Verify()
		var integrity *IntegrityError
		require.True(t, errors.As(err, &integrity))
		assert.Equal(t, uint64(2), integrity.Index)
	})

	t.Run("resume should require a clean chain", func(t *testing.T) {
		chain := newTestChain(t)
		block, err := chain.Append(context.Background(), Payload{PayloadKeyEvent: "contract_opened"})
		require.NoError(t, err)

		original := block.Payload[PayloadKeyEvent]
		chain.blocks[1].Payload[PayloadKeyEvent] = "forged"
		require.Error(t, chain.Verify())

		assert.Error(t, chain.Resume())
		assert.True(t, chain.Halted())

		chain.blocks[1].Payload[PayloadKeyEvent] = original
		require.NoError(t, chain.Resume())
		assert.False(t, chain.Halted())

		_, err = chain.Append(context.Background(), Payload{PayloadKeyEvent: "contract_settled"})
		assert.NoError(t, err)
	})
}

func TestVerifyBlocks(t *testing.T) {
	t.Run("should verify an exported chain offline", func(t *testing.T) {
		chain := newTestChain(t)
		_, err := chain.Append(context.Background(), Payload{PayloadKeyEvent: "contract_opened"})
		require.NoError(t, err)

		exported := chain.Export()
		assert.NoError(t, VerifyBlocks(exported))

		exported[1].Nonce++
		assert.Error(t, VerifyBlocks(exported))
	})
}

func TestRestore(t *testing.T) {
	t.Run("should rebuild a chain from archived blocks", func(t *testing.T) {
		source := newTestChain(t)
		_, err := source.Append(context.Background(), Payload{PayloadKeyEvent: "contract_opened"})
		require.NoError(t, err)

		restored, err := Restore(Config{Difficulty: 2}, source.Export())
		require.NoError(t, err)

		assert.Equal(t, source.Len(), restored.Len())
		assert.Equal(t, source.Tail().Hash, restored.Tail().Hash)
		require.NoError(t, restored.Verify())

		_, err = restored.Append(context.Background(), Payload{PayloadKeyEvent: "contract_settled"})
		assert.NoError(t, err)
	})

	t.Run("should mine a fresh genesis when the archive is empty", func(t *testing.T) {
		restored, err := Restore(Config{Difficulty: 2}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, restored.Len())
	})

	t.Run("should refuse tampered archives", func(t *testing.T) {
		source := newTestChain(t)
		_, err := source.Append(context.Background(), Payload{PayloadKeyEvent: "contract_opened"})
		require.NoError(t, err)

		blocks := source.Export()
		blocks[1].Payload[PayloadKeyEvent] = "forged"

		_, err = Restore(Config{Difficulty: 2}, blocks)
		var integrity *IntegrityError
		require.True(t, errors.As(err, &integrity))
	})

	t.Run("should refuse a chain that does not start at genesis", func(t *testing.T) {
		source := newTestChain(t)
		_, err := source.Append(context.Background(), Payload{PayloadKeyEvent: "contract_opened"})
		require.NoError(t, err)

		_, err = Restore(Config{Difficulty: 2}, source.Export()[1:])
		assert.Error(t, err)
	})
}

func TestQueries(t *testing.T) {
	t.Run("should find blocks by hash and owner", func(t *testing.T) {
		chain := newTestChain(t)
		ctx := context.Background()

		mine, err := chain.Append(ctx, Payload{
			PayloadKeyEvent: "contract_opened",
			PayloadKeyOwner: "farmer-1",
		})
		require.NoError(t, err)
		_, err = chain.Append(ctx, Payload{
			PayloadKeyEvent: "contract_opened",
			PayloadKeyOwner: "farmer-2",
		})
		require.NoError(t, err)

		found, ok := chain.FindByHash(mine.Hash)
		require.True(t, ok)
		assert.Equal(t, mine.Index, found.Index)

		_, ok = chain.FindByHash("deadbeef")
		assert.False(t, ok)

		owned := chain.FindByOwner("farmer-1")
		require.Len(t, owned, 1)
		assert.Equal(t, mine.Hash, owned[0].Hash)
	})

	t.Run("export should return isolated copies", func(t *testing.T) {
		chain := newTestChain(t)
		_, err := chain.Append(context.Background(), Payload{PayloadKeyEvent: "contract_opened"})
		require.NoError(t, err)

		exported := chain.Export()
		exported[1].Payload[PayloadKeyEvent] = "mutated"

		assert.NoError(t, chain.Verify())
	})

	t.Run("describe should report length and validity", func(t *testing.T) {
		chain := newTestChain(t)
		_, err := chain.Append(context.Background(), Payload{PayloadKeyEvent: "contract_opened"})
		require.NoError(t, err)

		info := chain.Describe()
		assert.Equal(t, 2, info.Length)
		assert.Equal(t, 2, info.Difficulty)
		assert.True(t, info.Valid)
		assert.Equal(t, uint64(1), info.Tail.Index)
	})
}
