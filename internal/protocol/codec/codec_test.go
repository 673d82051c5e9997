package codec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"ciphergroup/internal/domain"
	"ciphergroup/internal/protocol/codec"
)

func key(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b + byte(i)
	}
	return k
}

func sampleKeyPackage() domain.KeyPackage {
	return domain.KeyPackage{
		ID:         "kp-1",
		Credential: domain.Credential{UserID: "bob", SigningKey: key(1)},
		InitKey:    key(2),
		NotAfter:   1_900_000_000,
		Signature:  bytes.Repeat([]byte{0xaa}, 64),
	}
}

func sampleEvents() []domain.Event {
	return []domain.Event{
		&domain.Proposal{
			GroupID:   "g1",
			Epoch:     3,
			Sender:    1,
			Change:    domain.AddMember{KeyPackage: sampleKeyPackage()},
			Signature: []byte{1, 2, 3},
		},
		&domain.Proposal{
			GroupID:   "g1",
			Epoch:     3,
			Sender:    0,
			Change:    domain.RemoveMember{Index: 2},
			Signature: []byte{4},
		},
		&domain.Commit{
			GroupID:   "g1",
			Epoch:     7,
			Committer: 2,
			Proposals: []domain.ProposalKind{
				domain.RemoveMember{Index: 1},
				domain.AddMember{KeyPackage: sampleKeyPackage()},
			},
			LeafKey: key(9),
			Secrets: []domain.SealedSecret{
				{Recipient: 0, Ephemeral: key(3), Ciphertext: []byte("sealed-0")},
				{Recipient: 1, Ephemeral: key(4), Ciphertext: []byte("sealed-1")},
			},
			ConfirmationTag: bytes.Repeat([]byte{0x11}, 32),
			Signature:       bytes.Repeat([]byte{0x22}, 64),
		},
		&domain.Welcome{
			GroupID:      "g1",
			Epoch:        8,
			Recipient:    "bob",
			KeyPackageID: "kp-1",
			Ephemeral:    key(5),
			Sealed:       []byte("group info"),
		},
		&domain.ApplicationMessage{
			GroupID:    "g1",
			Epoch:      8,
			Sender:     1,
			Counter:    42,
			Ciphertext: []byte("ciphertext"),
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, ev := range sampleEvents() {
		t.Run(ev.Kind().String(), func(t *testing.T) {
			raw, err := codec.Encode(ev)
			require.NoError(t, err)

			got, err := codec.Decode(raw)
			require.NoError(t, err)
			require.Equal(t, ev, got)

			again, err := codec.Encode(got)
			require.NoError(t, err)
			require.Equal(t, raw, again)
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, ev := range sampleEvents() {
		raw, err := codec.Encode(ev)
		require.NoError(t, err)
		for n := 0; n < len(raw); n++ {
			_, err := codec.Decode(raw[:n])
			require.ErrorIs(t, err, domain.ErrDecode, "%s prefix %d", ev.Kind(), n)
		}
	}
}

func TestDecodeRejectsHeaderAndTrailer(t *testing.T) {
	raw, err := codec.Encode(sampleEvents()[4])
	require.NoError(t, err)

	badVersion := append([]byte{}, raw...)
	badVersion[0] = 9
	_, err = codec.Decode(badVersion)
	require.ErrorIs(t, err, domain.ErrDecode)

	badTag := append([]byte{}, raw...)
	badTag[1] = 77
	_, err = codec.Decode(badTag)
	require.ErrorIs(t, err, domain.ErrDecode)

	_, err = codec.Decode(append(append([]byte{}, raw...), 0))
	require.ErrorIs(t, err, domain.ErrDecode)
}

func TestDecodeUnknownProposalKind(t *testing.T) {
	raw, err := codec.Encode(sampleEvents()[1])
	require.NoError(t, err)

	// version, tag, group id (2+2), epoch (8), sender (4), then the kind byte.
	kindAt := 2 + 2 + 2 + 8 + 4
	require.Equal(t, byte(2), raw[kindAt])
	raw[kindAt] = 9

	_, err = codec.Decode(raw)
	require.ErrorIs(t, err, domain.ErrDecode)
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	raw, err := codec.Encode(sampleEvents()[2])
	require.NoError(t, err)

	// version, tag, group id (2+2), epoch (8), committer (4), then the
	// 32-bit length of the proposal list.
	at := 2 + 2 + 2 + 8 + 4
	for i := range 4 {
		raw[at+i] = 0xff
	}
	_, err = codec.Decode(raw)
	require.ErrorIs(t, err, domain.ErrDecode)
}

func TestGroupInfoRoundTrip(t *testing.T) {
	gi := &domain.GroupInfo{
		GroupID: "g1",
		Epoch:   4,
		Members: []domain.Member{
			{Index: 0, Credential: domain.Credential{UserID: "alice", SigningKey: key(1)}, LeafKey: key(2)},
			{Index: 1, Credential: domain.Credential{UserID: "bob", SigningKey: key(3)}, LeafKey: key(4)},
		},
		EpochSecret:     bytes.Repeat([]byte{7}, 32),
		Committer:       0,
		ConfirmationTag: bytes.Repeat([]byte{8}, 32),
		Signature:       bytes.Repeat([]byte{9}, 64),
	}
	raw, err := codec.EncodeGroupInfo(gi)
	require.NoError(t, err)

	got, err := codec.DecodeGroupInfo(raw)
	require.NoError(t, err)
	require.Equal(t, gi, got)

	_, err = codec.DecodeGroupInfo(raw[:len(raw)-1])
	require.ErrorIs(t, err, domain.ErrDecode)
}

func TestContentExcludesSignature(t *testing.T) {
	c := sampleEvents()[2].(*domain.Commit)
	content, err := codec.CommitContent(c)
	require.NoError(t, err)
	signed, err := codec.CommitSigned(c)
	require.NoError(t, err)

	other := *c
	other.Signature = []byte("different")
	content2, err := codec.CommitContent(&other)
	require.NoError(t, err)
	signed2, err := codec.CommitSigned(&other)
	require.NoError(t, err)
	require.Equal(t, content, content2)
	require.Equal(t, signed, signed2)

	other.ConfirmationTag = []byte("tag")
	content3, err := codec.CommitContent(&other)
	require.NoError(t, err)
	signed3, err := codec.CommitSigned(&other)
	require.NoError(t, err)
	require.Equal(t, content, content3)
	require.NotEqual(t, signed, signed3)
}
