// Package commands maps normalized trigger keys to command handlers.
package commands

import (
	"context"
	"sort"
	"strings"

	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

// HandlerFunc executes a command for one inbound message. The handle is
// borrowed for the duration of the call.
type HandlerFunc func(ctx context.Context, msg *protocol.Message, h protocol.Handle) error

// Command is a single command descriptor.
type Command struct {
	Trigger     string
	Description string
	Execute     HandlerFunc
}

// Group is a named set of descriptors, one per logical command folder.
type Group struct {
	Name     string
	Commands []Command
}

// Registry is the read-only trigger mapping built once at startup.
type Registry struct {
	commands map[string]Command
	groups   map[string]string
}

// Normalize lower-cases and trims a trigger key.
func Normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Load builds a registry from groups. Descriptors without a trigger or a
// handler are skipped with a warning; a repeated trigger keeps the first
// registration.
func Load(groups ...Group) *Registry {
	r := &Registry{
		commands: make(map[string]Command),
		groups:   make(map[string]string),
	}

	for _, g := range groups {
		for i, cmd := range g.Commands {
			key := Normalize(cmd.Trigger)
			if key == "" || cmd.Execute == nil {
				logger.WarnCF("commands", "Command is missing a trigger or handler", map[string]interface{}{
					"group":       g.Name,
					"index":       i,
					"trigger":     cmd.Trigger,
					"has_handler": cmd.Execute != nil,
				})
				continue
			}
			if prev, ok := r.groups[key]; ok {
				logger.WarnCF("commands", "Duplicate command trigger ignored", map[string]interface{}{
					"trigger":     key,
					"group":       g.Name,
					"first_group": prev,
				})
				continue
			}
			cmd.Trigger = key
			r.commands[key] = cmd
			r.groups[key] = g.Name
			logger.DebugCF("commands", "Command loaded", map[string]interface{}{
				"trigger": key,
				"group":   g.Name,
			})
		}
	}

	logger.InfoCF("commands", "Commands loaded", map[string]interface{}{
		"count": len(r.commands),
	})
	return r
}

// Resolve returns the command registered for key. Matching ignores case
// only: surrounding whitespace is part of the key and misses.
func (r *Registry) Resolve(key string) (Command, bool) {
	if r == nil {
		return Command{}, false
	}
	cmd, ok := r.commands[strings.ToLower(key)]
	return cmd, ok
}

// Triggers returns every registered trigger in sorted order.
func (r *Registry) Triggers() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.commands))
	for k := range r.commands {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of registered commands.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.commands)
}
