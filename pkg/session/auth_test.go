package session

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger/ledgertest"
	"github.com/iron-fish/oreowallet-mono/pkg/scan"
)

const testSecret = "0101010101010101010101010101010101010101010101010101010101010101"

func TestParseKeyPair(t *testing.T) {
	kp, err := ParseKeyPair(testSecret, "")
	require.NoError(t, err)
	pub := kp.PublicHex()
	raw, err := hex.DecodeString(pub)
	require.NoError(t, err)
	assert.Len(t, raw, PublicKeyLength)

	again, err := ParseKeyPair(testSecret, strings.ToUpper(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, again.PublicHex())

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = ParseKeyPair(testSecret, other.PublicHex())
	assert.Equal(t, errs.KindFatal, errs.KindOf(err))

	_, err = ParseKeyPair("abcd", "")
	assert.Equal(t, errs.KindFatal, errs.KindOf(err))
	_, err = ParseKeyPair(testSecret, "02abcd")
	assert.Equal(t, errs.KindFatal, errs.KindOf(err))
}

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	msg := []byte("nonce")

	sig := kp.Sign(msg)
	require.NoError(t, Verify(kp.PublicHex(), msg, sig))

	assert.True(t, errs.IsInvalid(Verify(kp.PublicHex(), []byte("other"), sig)))
	assert.True(t, errs.IsInvalid(Verify(kp.PublicHex(), msg, "zz")))
	assert.True(t, errs.IsInvalid(Verify("02", msg, sig)))
}

func TestChallengeAnswer(t *testing.T) {
	server, err := GenerateKeyPair()
	require.NoError(t, err)
	worker, err := GenerateKeyPair()
	require.NoError(t, err)

	ch, nonce, err := server.NewChallenge()
	require.NoError(t, err)
	assert.Len(t, nonce, nonceLength)
	assert.Equal(t, server.PublicHex(), ch.ServerKey)

	auth, err := worker.Answer(ch)
	require.NoError(t, err)
	assert.Equal(t, worker.PublicHex(), auth.PublicKey)
	require.NoError(t, Verify(auth.PublicKey, nonce, auth.Signature))

	forged := ch
	forged.ServerSig = worker.Sign(nonce)
	_, err = worker.Answer(forged)
	assert.True(t, errs.IsInvalid(err), "worker refuses a challenge not signed by the server key")
}

func TestAllowList(t *testing.T) {
	a := NewAllowList(" 02AB ", "", "03cd")
	assert.Equal(t, 2, a.Len())
	assert.True(t, a.Allowed("02ab"))
	assert.True(t, a.Allowed("03CD"))
	assert.False(t, a.Allowed("02cd"))
}

func TestJobFrameWireShape(t *testing.T) {
	acct := ledgertest.NewAccount("acct-0123456789", 10)
	acct.Name = ledger.AddressToName(acct.Address)
	job := &scan.Job{ID: "j1", Address: acct.Address, From: 11, To: 20, Latest: 30, Account: acct}

	f, err := NewFrame(FrameJob, AssignmentFor(job))
	require.NoError(t, err)
	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var wire struct {
		Type string `json:"type"`
		Data struct {
			JobID   string `json:"job_id"`
			Account struct {
				Address string `json:"address"`
				Name    string `json:"name"`
				VK      string `json:"vk"`
			} `json:"account"`
			Job struct {
				From int64 `json:"from_sequence"`
				To   int64 `json:"to_sequence"`
			} `json:"job"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "job", wire.Type)
	assert.Equal(t, "j1", wire.Data.JobID)
	assert.Equal(t, "acct-01234", wire.Data.Account.Name)
	assert.Equal(t, "vk-acct-0123456789", wire.Data.Account.VK)
	assert.Equal(t, int64(11), wire.Data.Job.From)
	assert.Equal(t, int64(20), wire.Data.Job.To)

	var back Frame
	require.NoError(t, json.Unmarshal(raw, &back))
	var got JobAssignment
	require.NoError(t, back.Decode(&got))
	assert.Equal(t, AssignmentFor(job), got)

	assert.True(t, errs.IsInvalid(Frame{Type: FrameBlock}.Decode(&got)))
}
