package sql

import (
	"strings"
)

type Identifier int

const MaxIdentifier = 128

const (
	PRIMARY Identifier = iota + 1
	COUNT
)

var knownIdentifiers = map[string]Identifier{
	"primary": PRIMARY,
	"count":   COUNT,
}

var (
	lastIdentifier = Identifier(9999)
	identifiers    = make(map[string]Identifier)
	names          = make(map[Identifier]string)
)

func Id(s string) Identifier {
	if len(s) > MaxIdentifier {
		s = s[:MaxIdentifier]
	}

	s = strings.ToLower(s)
	if id, found := identifiers[s]; found {
		return id
	}
	lastIdentifier += 1
	identifiers[s] = lastIdentifier
	names[lastIdentifier] = s
	return lastIdentifier
}

func (id Identifier) String() string {
	return names[id]
}

func init() {
	for s, id := range knownIdentifiers {
		identifiers[strings.ToLower(s)] = id
		names[id] = s
	}
}
