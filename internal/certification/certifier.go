package certification

import (
	"encoding/binary"
	"time"

	"github.com/starford/lightic/internal/hashtree"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

// Request status values published under request_status/<id>/status.
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusReplied    = "replied"
	StatusRejected   = "rejected"
)

// StateSource exposes the replica facts that can be certified.
type StateSource interface {
	Message(id string) (*models.Message, bool)
	CertifiedData(canister principal.Principal) ([]byte, bool)
}

// Certifier assembles and signs certificates.
type Certifier struct {
	signer *Signer
	now    func() time.Time
}

// Option configures a Certifier.
type Option func(*Certifier)

// WithClock overrides the time source used for the time leaf.
func WithClock(now func() time.Time) Option {
	return func(c *Certifier) { c.now = now }
}

func NewCertifier(signer *Signer, opts ...Option) *Certifier {
	c := &Certifier{signer: signer, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RootKey is the DER key certificates verify against.
func (c *Certifier) RootKey() []byte { return c.signer.RootKey() }

// ReadState certifies the facts the requested paths refer to. Supported
// families are request_status/<message id>[/...] and
// canister/<canister id>/certified_data. Every certificate carries a time
// leaf; paths naming unknown messages or canisters are left out.
func (c *Certifier) ReadState(src StateSource, paths [][][]byte) *Certificate {
	tree := hashtree.New()
	c.insertTime(tree)

	for _, path := range paths {
		if len(path) < 2 {
			continue
		}
		switch string(path[0]) {
		case "request_status":
			if msg, ok := src.Message(string(path[1])); ok {
				insertStatus(tree, msg)
			}
		case "canister":
			if len(path[1]) > principal.MaxLength {
				continue
			}
			id := principal.FromBytes(path[1])
			if data, ok := src.CertifiedData(id); ok {
				tree.Insert([][]byte{[]byte("canister"), id.Bytes(), []byte("certified_data")}, data)
			}
		}
	}
	return c.sign(tree)
}

// ForMessages certifies the status of the given messages.
func (c *Certifier) ForMessages(msgs ...*models.Message) *Certificate {
	tree := hashtree.New()
	c.insertTime(tree)
	for _, m := range msgs {
		insertStatus(tree, m)
	}
	return c.sign(tree)
}

// ForCanister certifies one canister's certified data, as handed to queries
// through the data certificate.
func (c *Certifier) ForCanister(id principal.Principal, data []byte) *Certificate {
	tree := hashtree.New()
	c.insertTime(tree)
	tree.Insert([][]byte{[]byte("canister"), id.Bytes(), []byte("certified_data")}, data)
	return c.sign(tree)
}

func (c *Certifier) insertTime(tree *hashtree.Tree) {
	tree.Insert(hashtree.Path("time"), binary.AppendUvarint(nil, uint64(c.now().UnixNano())))
}

func (c *Certifier) sign(tree *hashtree.Tree) *Certificate {
	root := tree.Lower()
	return &Certificate{Tree: root, Signature: c.signer.SignRoot(root.Reconstruct())}
}

func insertStatus(tree *hashtree.Tree, m *models.Message) {
	path := func(leaf string) [][]byte {
		return hashtree.Path("request_status", m.ID, leaf)
	}
	switch m.Status {
	case models.StatusNew:
		tree.Insert(path("status"), []byte(StatusReceived))
	case models.StatusProcessing:
		tree.Insert(path("status"), []byte(StatusProcessing))
	case models.StatusOk:
		tree.Insert(path("reply"), m.Result)
		tree.Insert(path("status"), []byte(StatusReplied))
	case models.StatusError:
		tree.Insert(path("reject_code"), binary.AppendUvarint(nil, uint64(m.RejectionCode)))
		tree.Insert(path("reject_message"), []byte(m.RejectionMessage))
		tree.Insert(path("status"), []byte(StatusRejected))
	}
}
