// Package wire defines the Wraith protocol wire format shared by the server,
// the agent and the management console.
//
// Every protocol request is a single HTTP POST body of the form
//
//	<prefix><classDigit><versionDigit><encryptedEnvelope>
//
// The prefix is an operator-configured literal. The class digit routes the
// request: odd digits mean a Wraith agent, even non-zero digits mean a
// manager. It is an obfuscation and routing aid only, not authentication.
// The version digit selects a registered protocol handler set.
package wire

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// DefaultPrefix is the prefix a fresh deployment starts with.
const DefaultPrefix = "W_"

// Class identifies which kind of client sent a request.
type Class int

const (
	ClassUnknown Class = iota
	ClassWraith
	ClassManager
)

func (c Class) String() string {
	switch c {
	case ClassWraith:
		return "wraith"
	case ClassManager:
		return "manager"
	default:
		return "unknown"
	}
}

var (
	ErrBadPrefix     = errors.New("wire: body does not start with the configured prefix")
	ErrBadClassDigit = errors.New("wire: invalid client class digit")
	ErrTruncated     = errors.New("wire: body too short for a protocol header")
)

// Header is the decoded protocol header of a request.
type Header struct {
	Class   Class
	Version byte
}

// Classify maps a class digit to a client class. '0' and anything that is not
// a decimal digit are invalid, mirroring the digit%10 rule of the protocol.
func Classify(digit byte) Class {
	if digit < '1' || digit > '9' {
		return ClassUnknown
	}
	if (digit-'0')%2 == 1 {
		return ClassWraith
	}
	return ClassManager
}

// ParseHeader strips and decodes the protocol header, returning the header and
// the remaining encrypted envelope bytes.
func ParseHeader(body []byte, prefix string) (Header, []byte, error) {
	if len(body) < len(prefix)+2 {
		return Header{}, nil, ErrTruncated
	}
	if string(body[:len(prefix)]) != prefix {
		return Header{}, nil, ErrBadPrefix
	}
	class := Classify(body[len(prefix)])
	if class == ClassUnknown {
		return Header{}, nil, ErrBadClassDigit
	}
	h := Header{Class: class, Version: body[len(prefix)+1]}
	return h, body[len(prefix)+2:], nil
}

// BuildHeader renders a protocol header for an outgoing request. The concrete
// class digit is chosen at random within the class so request bodies do not
// carry a constant marker byte.
func BuildHeader(prefix string, class Class, version byte) string {
	return prefix + string(classDigit(class)) + string(version)
}

func classDigit(class Class) byte {
	n, err := rand.Int(rand.Reader, big.NewInt(4))
	var i byte
	if err == nil {
		i = byte(n.Int64())
	}
	if class == ClassWraith {
		return '1' + 2*i // 1, 3, 5, 7
	}
	return '2' + 2*i // 2, 4, 6, 8
}
