package game

import (
	"fmt"
	"sort"
	"strings"

	"github.com/energizer-project/rconbridge/internal/network"
)

// Entry ties a game tag to its plugin constructor.
type Entry struct {
	Descriptor Descriptor
	New        func(desc Descriptor, env Env) Plugin
}

func assumeOnline(desc Descriptor, env Env) Plugin {
	return NewBase(desc, env)
}

var registry = map[string]Entry{
	"minecraft": {
		Descriptor: Descriptor{Tag: "minecraft", Name: "Minecraft", Version: "1.0.0", Transport: network.KindTCP},
		New:        assumeOnline,
	},
	"projectzomboid": {
		Descriptor: Descriptor{Tag: "projectzomboid", Name: "Project Zomboid", Version: "1.0.0", Transport: network.KindTCP},
		New:        assumeOnline,
	},
	"dayz": {
		Descriptor: Descriptor{Tag: "dayz", Name: "DayZ", Version: "1.0.0", Transport: network.KindBattlEye},
		New:        assumeOnline,
	},
	"arma3": {
		Descriptor: Descriptor{Tag: "arma3", Name: "Arma 3", Version: "1.0.0", Transport: network.KindBattlEye},
		New:        assumeOnline,
	},
	"ark": {
		Descriptor: Descriptor{Tag: "ark", Name: "ARK: Survival Evolved", Version: "1.0.1", Transport: network.KindTCP, SupportsOnlineCheck: true},
		New:        func(desc Descriptor, env Env) Plugin { return NewArk(desc, env) },
	},
	"rust": {
		Descriptor: Descriptor{Tag: "rust", Name: "Rust", Version: "1.0.0", Transport: network.KindWebSocket, SupportsOnlineCheck: true},
		New:        func(desc Descriptor, env Env) Plugin { return NewRust(desc, env) },
	},
	"7daystodie": {
		Descriptor: Descriptor{Tag: "7daystodie", Name: "7 Days to Die", Version: "1.1.0", Transport: network.KindTelnet, SupportsOnlineCheck: true},
		New:        func(desc Descriptor, env Env) Plugin { return NewSevenDays(desc, env) },
	},
	"conanexiles": {
		Descriptor: Descriptor{Tag: "conanexiles", Name: "Conan Exiles", Version: "1.0.0", Transport: network.KindTCP, SupportsOnlineCheck: true, SupportsCustomReference: true},
		New:        func(desc Descriptor, env Env) Plugin { return NewConan(desc, env) },
	},
}

// Lookup returns the entry registered under tag. Tags are case-insensitive.
func Lookup(tag string) (Entry, error) {
	e, ok := registry[strings.ToLower(strings.TrimSpace(tag))]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownGame, tag, strings.Join(Tags(), ", "))
	}
	return e, nil
}

// Tags lists the registered game tags in order.
func Tags() []string {
	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// New builds the plugin registered under tag.
func New(tag string, env Env) (Plugin, error) {
	e, err := Lookup(tag)
	if err != nil {
		return nil, err
	}
	return e.New(e.Descriptor, env), nil
}
