package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAgentAddressUniqueness(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.InsertAgentAddress(&AgentAddress{
		UserWallet: "0xAAA", Venue: VenuePerpB, Address: "0x111",
	}))

	// Second address for the same (user, venue) is rejected.
	err := db.InsertAgentAddress(&AgentAddress{
		UserWallet: "0xaaa", Venue: VenuePerpB, Address: "0x222",
	})
	require.ErrorIs(t, err, ErrDuplicateAgentAddress)

	// Same address for another user is rejected too.
	err = db.InsertAgentAddress(&AgentAddress{
		UserWallet: "0xbbb", Venue: VenuePerpB, Address: "0x111",
	})
	require.ErrorIs(t, err, ErrDuplicateAgentAddress)

	// Same user, different venue is allowed.
	require.NoError(t, db.InsertAgentAddress(&AgentAddress{
		UserWallet: "0xaaa", Venue: VenuePerpC, Address: "0x333",
	}))

	got, err := db.AgentAddressFor("0xAAA", VenuePerpB)
	require.NoError(t, err)
	require.Equal(t, "0x111", got.Address)

	owner, err := db.AddressOwner("0x111")
	require.NoError(t, err)
	require.Equal(t, "0xaaa", owner)

	owner, err = db.AddressOwner("0xdead")
	require.NoError(t, err)
	require.Empty(t, owner)
}

func TestConsumeDailyVolume(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.ConsumeDailyVolume(VenuePerpA, "2026-08-26", 15000, 20000))
	require.NoError(t, db.ConsumeDailyVolume(VenuePerpA, "2026-08-26", 5000, 20000))
	require.Error(t, db.ConsumeDailyVolume(VenuePerpA, "2026-08-26", 1, 20000))

	// A new day starts fresh.
	require.NoError(t, db.ConsumeDailyVolume(VenuePerpA, "2026-08-27", 20000, 20000))
}

func TestRefundDailyVolume(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.ConsumeDailyVolume(VenuePerpA, "2026-08-26", 20000, 20000))
	require.Error(t, db.ConsumeDailyVolume(VenuePerpA, "2026-08-26", 5000, 20000))

	// refunding a failed order reopens exactly that headroom
	require.NoError(t, db.RefundDailyVolume(VenuePerpA, "2026-08-26", 5000))
	require.NoError(t, db.ConsumeDailyVolume(VenuePerpA, "2026-08-26", 5000, 20000))

	// a refund can never push the counter below zero: an oversized refund
	// leaves exactly the full limit of headroom, no more
	require.NoError(t, db.RefundDailyVolume(VenuePerpA, "2026-08-26", 99999))
	require.NoError(t, db.ConsumeDailyVolume(VenuePerpA, "2026-08-26", 20000, 20000))
	require.Error(t, db.ConsumeDailyVolume(VenuePerpA, "2026-08-26", 1, 20000))

	// refunding a day with no volume row is a no-op
	require.NoError(t, db.RefundDailyVolume(VenuePerpA, "2026-08-28", 500))
}
