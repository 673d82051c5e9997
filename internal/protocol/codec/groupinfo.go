package codec

import (
	"golang.org/x/crypto/cryptobyte"

	"ciphergroup/internal/domain"
)

// EncodeGroupInfo serialises the plaintext of a welcome.
func EncodeGroupInfo(gi *domain.GroupInfo) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(Version)
	addGroupInfo(&b, gi, true)
	return b.Bytes()
}

// GroupInfoContent is the signed portion of a group info.
func GroupInfoContent(gi *domain.GroupInfo) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddBytes([]byte("ciphergroup group info"))
	addGroupInfo(&b, gi, false)
	return b.Bytes()
}

// DecodeGroupInfo parses the output of EncodeGroupInfo.
func DecodeGroupInfo(raw []byte) (*domain.GroupInfo, error) {
	s := cryptobyte.String(raw)
	var version uint8
	if !s.ReadUint8(&version) {
		return nil, decodeErr("truncated group info")
	}
	if version != Version {
		return nil, decodeErr("unsupported group info version %d", version)
	}

	gi := &domain.GroupInfo{}
	var (
		group   string
		members cryptobyte.String
	)
	if !readString(&s, &group) || !s.ReadUint64(&gi.Epoch) || !readUint32Prefixed(&s, &members) {
		return nil, decodeErr("truncated group info")
	}
	gi.GroupID = domain.GroupID(group)
	for !members.Empty() {
		var m domain.Member
		if !readMember(&members, &m) {
			return nil, decodeErr("truncated member")
		}
		gi.Members = append(gi.Members, m)
	}
	if !readVec16(&s, &gi.EpochSecret) ||
		!s.ReadUint32(&gi.Committer) ||
		!readVec16(&s, &gi.ConfirmationTag) ||
		!readVec16(&s, &gi.Signature) {
		return nil, decodeErr("truncated group info trailer")
	}
	if !s.Empty() {
		return nil, decodeErr("trailing bytes after group info")
	}
	return gi, nil
}

func addGroupInfo(b *cryptobyte.Builder, gi *domain.GroupInfo, withSig bool) {
	addString(b, string(gi.GroupID))
	b.AddUint64(gi.Epoch)
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, m := range gi.Members {
			addMember(b, m)
		}
	})
	addVec16(b, gi.EpochSecret)
	b.AddUint32(gi.Committer)
	addVec16(b, gi.ConfirmationTag)
	if withSig {
		addVec16(b, gi.Signature)
	}
}
