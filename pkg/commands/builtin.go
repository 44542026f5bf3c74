package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/sakaki-bot/sakaki/pkg/messenger"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

const (
	DefaultStartImageURL = "https://i.ibb.co/cFQCZX3/Rem-Anime.webp"
	DefaultStartCaption  = "#null"
)

// BuiltinOptions configures the bundled command groups.
type BuiltinOptions struct {
	StartImageURL string
	StartCaption  string
	// Messenger binds a typing-simulating sender to a handle. Defaults to
	// messenger.New.
	Messenger func(protocol.Handle) *messenger.Messenger
}

func (o BuiltinOptions) withDefaults() BuiltinOptions {
	if o.StartImageURL == "" {
		o.StartImageURL = DefaultStartImageURL
	}
	if o.StartCaption == "" {
		o.StartCaption = DefaultStartCaption
	}
	if o.Messenger == nil {
		o.Messenger = messenger.New
	}
	return o
}

// Builtin returns a registry holding the bundled groups plus any extra
// groups supplied by the caller.
func Builtin(opts BuiltinOptions, extra ...Group) *Registry {
	opts = opts.withDefaults()

	var reg *Registry
	groups := []Group{
		ServicesGroup(opts),
		GeneralGroup(opts, func() []string { return reg.Triggers() }),
	}
	groups = append(groups, extra...)
	reg = Load(groups...)
	return reg
}

// ServicesGroup holds #start, which replies with a quoted image.
func ServicesGroup(opts BuiltinOptions) Group {
	opts = opts.withDefaults()
	return Group{
		Name: "services",
		Commands: []Command{
			{
				Trigger:     "#start",
				Description: "Replies with the welcome image",
				Execute: func(ctx context.Context, msg *protocol.Message, h protocol.Handle) error {
					img := protocol.Image{URL: opts.StartImageURL, Caption: opts.StartCaption}
					_, err := opts.Messenger(h).SendWithTypingQuoted(ctx, img, msg.Key.ChatID, msg)
					return err
				},
			},
		},
	}
}

// GeneralGroup holds #menu, which lists the registered triggers.
func GeneralGroup(opts BuiltinOptions, triggers func() []string) Group {
	opts = opts.withDefaults()
	return Group{
		Name: "general",
		Commands: []Command{
			{
				Trigger:     "#menu",
				Description: "Lists the available commands",
				Execute: func(ctx context.Context, msg *protocol.Message, h protocol.Handle) error {
					var sb strings.Builder
					sb.WriteString("Commands:\n")
					for _, t := range triggers() {
						fmt.Fprintf(&sb, "• %s\n", t)
					}
					sb.WriteString("• #sticker (image caption)")
					_, err := opts.Messenger(h).SendWithTypingQuoted(ctx, protocol.Text{Body: sb.String()}, msg.Key.ChatID, msg)
					return err
				},
			},
		},
	}
}
