// Package discord provides a [transport.Adapter] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus-based voice transport with Parley's PCM [types.AudioFrame]
// pipeline.
//
// The adapter requires an active *discordgo.Session (owned by the embedding
// bot) and a guild ID. Room IDs map to Discord voice channel IDs. The
// participant identity is fixed by the bot token, so the identity argument
// to [Adapter.Join] is not transmitted.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/parleyhq/parley/pkg/transport"
)

// Compile-time interface assertion.
var _ transport.Adapter = (*Adapter)(nil)

// Adapter implements [transport.Adapter] using discordgo voice connections.
// It requires an active *discordgo.Session (owned by the embedding bot).
//
// Adapter is safe for concurrent use.
type Adapter struct {
	session *discordgo.Session
	guildID string
}

// New creates a Discord Adapter for the given session and guild.
func New(session *discordgo.Session, guildID string) *Adapter {
	return &Adapter{
		session: session,
		guildID: guildID,
	}
}

// Join implements [transport.Adapter]. It joins the voice channel identified
// by roomID and returns an active [transport.Conn]. The supplied ctx governs
// the join phase only; the returned Conn lives until [transport.Conn.Leave]
// is called or Discord drops the voice connection.
func (a *Adapter) Join(_ context.Context, roomID, _ string) (transport.Conn, error) {
	// Join the voice channel: mute=false (we send audio), deaf=false (we receive audio).
	vc, err := a.session.ChannelVoiceJoin(a.guildID, roomID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", roomID, err)
	}

	conn, err := newConn(vc)
	if err != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: create connection: %w", err)
	}
	return conn, nil
}
