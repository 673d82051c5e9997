package codec

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"ciphergroup/internal/domain"
)

// Version is the only wire format version this package reads and writes.
const Version uint8 = 1

const (
	proposalAdd    uint8 = 1
	proposalRemove uint8 = 2
)

// Encode serialises ev as version | tag | body.
func Encode(ev domain.Event) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(Version)
	b.AddUint8(uint8(ev.Kind()))

	switch e := ev.(type) {
	case *domain.Proposal:
		if err := addProposal(&b, e, true); err != nil {
			return nil, err
		}
	case *domain.Commit:
		if err := addCommit(&b, e, true, true); err != nil {
			return nil, err
		}
	case *domain.Welcome:
		addWelcome(&b, e)
	case *domain.ApplicationMessage:
		addApplication(&b, e)
	default:
		return nil, fmt.Errorf("codec: unsupported event %T", ev)
	}
	return b.Bytes()
}

// Decode parses a single event. Any malformed input yields an error wrapping
// domain.ErrDecode.
func Decode(raw []byte) (domain.Event, error) {
	s := cryptobyte.String(raw)

	var version, tag uint8
	if !s.ReadUint8(&version) || !s.ReadUint8(&tag) {
		return nil, decodeErr("truncated header")
	}
	if version != Version {
		return nil, decodeErr("unsupported version %d", version)
	}

	var (
		ev  domain.Event
		err error
	)
	switch domain.EventKind(tag) {
	case domain.KindProposal:
		ev, err = readProposal(&s)
	case domain.KindCommit:
		ev, err = readCommit(&s)
	case domain.KindWelcome:
		ev, err = readWelcome(&s)
	case domain.KindApplication:
		ev, err = readApplication(&s)
	default:
		return nil, decodeErr("unknown event tag %d", tag)
	}
	if err != nil {
		return nil, err
	}
	if !s.Empty() {
		return nil, decodeErr("%d trailing bytes after %s", len(s), domain.EventKind(tag))
	}
	return ev, nil
}

// ProposalContent is the signed portion of a proposal.
func ProposalContent(p *domain.Proposal) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddBytes([]byte("ciphergroup proposal"))
	if err := addProposal(&b, p, false); err != nil {
		return nil, err
	}
	return b.Bytes()
}

// CommitContent is the portion of a commit covered by the confirmation tag.
func CommitContent(c *domain.Commit) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddBytes([]byte("ciphergroup commit"))
	if err := addCommit(&b, c, false, false); err != nil {
		return nil, err
	}
	return b.Bytes()
}

// CommitSigned is the portion of a commit covered by the committer's
// signature: the content plus the confirmation tag.
func CommitSigned(c *domain.Commit) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddBytes([]byte("ciphergroup commit"))
	if err := addCommit(&b, c, true, false); err != nil {
		return nil, err
	}
	return b.Bytes()
}

// KeyPackageContent is the signed portion of a key package.
func KeyPackageContent(kp domain.KeyPackage) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddBytes([]byte("ciphergroup key package"))
	addKeyPackage(&b, kp, false)
	return b.Bytes()
}

// GroupContext binds a group id, epoch number and membership list. It feeds
// the key schedule and confirmation tags.
func GroupContext(group domain.GroupID, epoch uint64, members []domain.Member) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddBytes([]byte("ciphergroup context"))
	addString(&b, string(group))
	b.AddUint64(epoch)
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, m := range members {
			addMember(b, m)
		}
	})
	return b.Bytes()
}

// ApplicationAAD is the associated data of an application ciphertext.
func ApplicationAAD(group domain.GroupID, epoch uint64, sender, counter uint32) ([]byte, error) {
	var b cryptobyte.Builder
	addString(&b, string(group)+" AAD")
	b.AddUint64(epoch)
	b.AddUint32(sender)
	b.AddUint32(counter)
	return b.Bytes()
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrDecode, fmt.Sprintf(format, args...))
}

func addString(b *cryptobyte.Builder, s string) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(s)) })
}

func addVec16(b *cryptobyte.Builder, v []byte) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(v) })
}

func addVec32(b *cryptobyte.Builder, v []byte) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(v) })
}

func readString(s *cryptobyte.String, out *string) bool {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) {
		return false
	}
	*out = string(v)
	return true
}

func readVec16(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) {
		return false
	}
	*out = clone(v)
	return true
}

// readUint32Prefixed reads a uint32 length followed by that many bytes.
// cryptobyte only ships readers for 8, 16 and 24 bit prefixes.
func readUint32Prefixed(s *cryptobyte.String, out *cryptobyte.String) bool {
	var n uint32
	if !s.ReadUint32(&n) || uint64(n) > uint64(len(*s)) {
		return false
	}
	var v []byte
	if !s.ReadBytes(&v, int(n)) {
		return false
	}
	*out = v
	return true
}

func readVec32(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !readUint32Prefixed(s, &v) {
		return false
	}
	*out = clone(v)
	return true
}

func clone(v []byte) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func readKey(s *cryptobyte.String, out *[32]byte) bool {
	return s.CopyBytes(out[:])
}

func addCredential(b *cryptobyte.Builder, c domain.Credential) {
	addString(b, string(c.UserID))
	b.AddBytes(c.SigningKey[:])
}

func readCredential(s *cryptobyte.String, c *domain.Credential) bool {
	var user string
	if !readString(s, &user) || !readKey(s, (*[32]byte)(&c.SigningKey)) {
		return false
	}
	c.UserID = domain.UserID(user)
	return true
}

func addKeyPackage(b *cryptobyte.Builder, kp domain.KeyPackage, withSig bool) {
	addString(b, string(kp.ID))
	addCredential(b, kp.Credential)
	b.AddBytes(kp.InitKey[:])
	b.AddUint64(uint64(kp.NotAfter))
	if withSig {
		addVec16(b, kp.Signature)
	}
}

func readKeyPackage(s *cryptobyte.String, kp *domain.KeyPackage) bool {
	var (
		id       string
		notAfter uint64
	)
	if !readString(s, &id) ||
		!readCredential(s, &kp.Credential) ||
		!readKey(s, (*[32]byte)(&kp.InitKey)) ||
		!s.ReadUint64(&notAfter) ||
		!readVec16(s, &kp.Signature) {
		return false
	}
	kp.ID = domain.KeyPackageID(id)
	kp.NotAfter = int64(notAfter)
	return true
}

func addMember(b *cryptobyte.Builder, m domain.Member) {
	b.AddUint32(m.Index)
	addCredential(b, m.Credential)
	b.AddBytes(m.LeafKey[:])
}

func readMember(s *cryptobyte.String, m *domain.Member) bool {
	return s.ReadUint32(&m.Index) &&
		readCredential(s, &m.Credential) &&
		readKey(s, (*[32]byte)(&m.LeafKey))
}

func addProposalKind(b *cryptobyte.Builder, k domain.ProposalKind) error {
	switch c := k.(type) {
	case domain.AddMember:
		b.AddUint8(proposalAdd)
		addKeyPackage(b, c.KeyPackage, true)
	case domain.RemoveMember:
		b.AddUint8(proposalRemove)
		b.AddUint32(c.Index)
	default:
		return fmt.Errorf("codec: unsupported proposal kind %T", k)
	}
	return nil
}

func readProposalKind(s *cryptobyte.String) (domain.ProposalKind, error) {
	var kind uint8
	if !s.ReadUint8(&kind) {
		return nil, decodeErr("truncated proposal kind")
	}
	switch kind {
	case proposalAdd:
		var kp domain.KeyPackage
		if !readKeyPackage(s, &kp) {
			return nil, decodeErr("truncated add proposal")
		}
		return domain.AddMember{KeyPackage: kp}, nil
	case proposalRemove:
		var idx uint32
		if !s.ReadUint32(&idx) {
			return nil, decodeErr("truncated remove proposal")
		}
		return domain.RemoveMember{Index: idx}, nil
	default:
		return nil, decodeErr("unknown proposal kind %d", kind)
	}
}

func addProposal(b *cryptobyte.Builder, p *domain.Proposal, withSig bool) error {
	addString(b, string(p.GroupID))
	b.AddUint64(p.Epoch)
	b.AddUint32(p.Sender)
	if err := addProposalKind(b, p.Change); err != nil {
		return err
	}
	if withSig {
		addVec16(b, p.Signature)
	}
	return nil
}

func readProposal(s *cryptobyte.String) (*domain.Proposal, error) {
	p := &domain.Proposal{}
	var group string
	if !readString(s, &group) || !s.ReadUint64(&p.Epoch) || !s.ReadUint32(&p.Sender) {
		return nil, decodeErr("truncated proposal")
	}
	p.GroupID = domain.GroupID(group)
	change, err := readProposalKind(s)
	if err != nil {
		return nil, err
	}
	p.Change = change
	if !readVec16(s, &p.Signature) {
		return nil, decodeErr("truncated proposal signature")
	}
	return p, nil
}

func addCommit(b *cryptobyte.Builder, c *domain.Commit, withTag, withSig bool) error {
	addString(b, string(c.GroupID))
	b.AddUint64(c.Epoch)
	b.AddUint32(c.Committer)

	var kindErr error
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, k := range c.Proposals {
			if err := addProposalKind(b, k); err != nil {
				kindErr = err
				return
			}
		}
	})
	if kindErr != nil {
		return kindErr
	}

	b.AddBytes(c.LeafKey[:])
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, ss := range c.Secrets {
			b.AddUint32(ss.Recipient)
			b.AddBytes(ss.Ephemeral[:])
			addVec16(b, ss.Ciphertext)
		}
	})
	if withTag {
		addVec16(b, c.ConfirmationTag)
	}
	if withSig {
		addVec16(b, c.Signature)
	}
	return nil
}

func readCommit(s *cryptobyte.String) (*domain.Commit, error) {
	c := &domain.Commit{}
	var group string
	if !readString(s, &group) || !s.ReadUint64(&c.Epoch) || !s.ReadUint32(&c.Committer) {
		return nil, decodeErr("truncated commit")
	}
	c.GroupID = domain.GroupID(group)

	var kinds cryptobyte.String
	if !readUint32Prefixed(s, &kinds) {
		return nil, decodeErr("truncated commit proposals")
	}
	for !kinds.Empty() {
		k, err := readProposalKind(&kinds)
		if err != nil {
			return nil, err
		}
		c.Proposals = append(c.Proposals, k)
	}

	if !readKey(s, (*[32]byte)(&c.LeafKey)) {
		return nil, decodeErr("truncated commit leaf key")
	}

	var secrets cryptobyte.String
	if !readUint32Prefixed(s, &secrets) {
		return nil, decodeErr("truncated commit secrets")
	}
	for !secrets.Empty() {
		var ss domain.SealedSecret
		if !secrets.ReadUint32(&ss.Recipient) ||
			!readKey(&secrets, (*[32]byte)(&ss.Ephemeral)) ||
			!readVec16(&secrets, &ss.Ciphertext) {
			return nil, decodeErr("truncated sealed secret")
		}
		c.Secrets = append(c.Secrets, ss)
	}

	if !readVec16(s, &c.ConfirmationTag) || !readVec16(s, &c.Signature) {
		return nil, decodeErr("truncated commit trailer")
	}
	return c, nil
}

func addWelcome(b *cryptobyte.Builder, w *domain.Welcome) {
	addString(b, string(w.GroupID))
	b.AddUint64(w.Epoch)
	addString(b, string(w.Recipient))
	addString(b, string(w.KeyPackageID))
	b.AddBytes(w.Ephemeral[:])
	addVec32(b, w.Sealed)
}

func readWelcome(s *cryptobyte.String) (*domain.Welcome, error) {
	w := &domain.Welcome{}
	var group, recipient, kp string
	if !readString(s, &group) ||
		!s.ReadUint64(&w.Epoch) ||
		!readString(s, &recipient) ||
		!readString(s, &kp) ||
		!readKey(s, (*[32]byte)(&w.Ephemeral)) ||
		!readVec32(s, &w.Sealed) {
		return nil, decodeErr("truncated welcome")
	}
	w.GroupID = domain.GroupID(group)
	w.Recipient = domain.UserID(recipient)
	w.KeyPackageID = domain.KeyPackageID(kp)
	return w, nil
}

func addApplication(b *cryptobyte.Builder, m *domain.ApplicationMessage) {
	addString(b, string(m.GroupID))
	b.AddUint64(m.Epoch)
	b.AddUint32(m.Sender)
	b.AddUint32(m.Counter)
	addVec32(b, m.Ciphertext)
}

func readApplication(s *cryptobyte.String) (*domain.ApplicationMessage, error) {
	m := &domain.ApplicationMessage{}
	var group string
	if !readString(s, &group) ||
		!s.ReadUint64(&m.Epoch) ||
		!s.ReadUint32(&m.Sender) ||
		!s.ReadUint32(&m.Counter) ||
		!readVec32(s, &m.Ciphertext) {
		return nil, decodeErr("truncated application message")
	}
	m.GroupID = domain.GroupID(group)
	return m, nil
}
