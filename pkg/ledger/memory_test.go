package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger/ledgertest"
)

func TestMemoryStoreContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return ledger.NewMemoryStore()
	})
}

func TestAddressToName(t *testing.T) {
	assert.Equal(t, "abcdefghij", ledger.AddressToName("abcdefghijklmnop"))
	assert.Equal(t, "short", ledger.AddressToName("short"))
}

func TestCreatePairFallsBackToHead(t *testing.T) {
	a := &ledger.Account{Head: 4, Hash: "h4"}
	head, hash := a.CreatePair()
	assert.Equal(t, int64(4), head)
	assert.Equal(t, "h4", hash)
	assert.Equal(t, int64(0), a.FloorHead())
}
