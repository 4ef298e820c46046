package ice

import (
	"encoding/binary"

	"github.com/gortc/stun"
)

// priorityAttr is the PRIORITY attribute of RFC 5245 §7.1.1, carrying the
// priority a candidate would have if it were peer-reflexive.
type priorityAttr uint32

// AddTo adds the PRIORITY attribute to the message.
func (p priorityAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(p))
	m.Add(stun.AttrPriority, v)
	return nil
}

// GetFrom decodes the PRIORITY attribute from the message.
func (p *priorityAttr) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrPriority)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrPriority, len(v), 4); err != nil {
		return err
	}
	*p = priorityAttr(binary.BigEndian.Uint32(v))
	return nil
}

// tieBreakerAttr is the 64-bit value carried by ICE-CONTROLLING and
// ICE-CONTROLLED attributes, per RFC 5245 §7.1.2.
type tieBreakerAttr uint64

func (t tieBreakerAttr) addToAs(m *stun.Message, a stun.AttrType) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(t))
	m.Add(a, v)
	return nil
}

func (t *tieBreakerAttr) getFromAs(m *stun.Message, a stun.AttrType) error {
	v, err := m.Get(a)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(a, len(v), 8); err != nil {
		return err
	}
	*t = tieBreakerAttr(binary.BigEndian.Uint64(v))
	return nil
}

// attrControlling is the ICE-CONTROLLING attribute.
type attrControlling struct{ tieBreakerAttr }

func (a attrControlling) AddTo(m *stun.Message) error {
	return a.addToAs(m, stun.AttrICEControlling)
}
func (a *attrControlling) GetFrom(m *stun.Message) error {
	return a.getFromAs(m, stun.AttrICEControlling)
}

// attrControlled is the ICE-CONTROLLED attribute.
type attrControlled struct{ tieBreakerAttr }

func (a attrControlled) AddTo(m *stun.Message) error {
	return a.addToAs(m, stun.AttrICEControlled)
}
func (a *attrControlled) GetFrom(m *stun.Message) error {
	return a.getFromAs(m, stun.AttrICEControlled)
}

// useCandidateAttr is the zero-length USE-CANDIDATE attribute of RFC 5245 §7.1.1.
type useCandidateAttr struct{}

func (useCandidateAttr) AddTo(m *stun.Message) error {
	m.Add(stun.AttrUseCandidate, nil)
	return nil
}

func hasUseCandidate(m *stun.Message) bool {
	_, err := m.Get(stun.AttrUseCandidate)
	return err == nil
}
