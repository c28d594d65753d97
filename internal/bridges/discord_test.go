package bridges

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/tamias-dev/tamias/internal/config"
)

// TestDiscordShouldAccept exercises the mode and allowlist gating. DMs act
// as implicit mentions but still respect listen-only.
func TestDiscordShouldAccept(t *testing.T) {
	cases := []struct {
		name      string
		cfg       config.BridgeInstance
		channelID string
		isDM      bool
		mentioned bool
		want      bool
	}{
		{
			name:      "full mode accepts plain guild message",
			cfg:       config.BridgeInstance{},
			channelID: "c1",
			want:      true,
		},
		{
			name:      "mention-only rejects unmentioned guild message",
			cfg:       config.BridgeInstance{Mode: config.ModeMentionOnly},
			channelID: "c1",
			want:      false,
		},
		{
			name:      "mention-only accepts mentioned guild message",
			cfg:       config.BridgeInstance{Mode: config.ModeMentionOnly},
			channelID: "c1",
			mentioned: true,
			want:      true,
		},
		{
			name:      "mention-only accepts DM without mention",
			cfg:       config.BridgeInstance{Mode: config.ModeMentionOnly},
			channelID: "dm1",
			isDM:      true,
			want:      true,
		},
		{
			name:      "listen-only rejects everything",
			cfg:       config.BridgeInstance{Mode: config.ModeListenOnly},
			channelID: "c1",
			mentioned: true,
			want:      false,
		},
		{
			name:      "listen-only rejects DMs too",
			cfg:       config.BridgeInstance{Mode: config.ModeListenOnly},
			channelID: "dm1",
			isDM:      true,
			want:      false,
		},
		{
			name:      "allowlist admits listed channel",
			cfg:       config.BridgeInstance{AllowedChannels: []string{"ops", "c1"}},
			channelID: "c1",
			want:      true,
		},
		{
			name:      "allowlist blocks unlisted channel",
			cfg:       config.BridgeInstance{AllowedChannels: []string{"ops"}},
			channelID: "c1",
			want:      false,
		},
		{
			name:      "allowlist does not apply to DMs",
			cfg:       config.BridgeInstance{AllowedChannels: []string{"ops"}},
			channelID: "dm1",
			isDM:      true,
			want:      true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &Discord{cfg: tc.cfg}
			if got := b.shouldAccept(tc.channelID, tc.isDM, tc.mentioned); got != tc.want {
				t.Errorf("shouldAccept = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestResolveDisplayName prefers nickname over global name over account name.
func TestResolveDisplayName(t *testing.T) {
	msg := func(nick, global, username string) *discordgo.MessageCreate {
		m := &discordgo.MessageCreate{Message: &discordgo.Message{
			Author: &discordgo.User{Username: username, GlobalName: global},
		}}
		if nick != "" {
			m.Member = &discordgo.Member{Nick: nick}
		}
		return m
	}

	if got := resolveDisplayName(msg("Nick", "Global", "user1")); got != "Nick" {
		t.Errorf("with nick = %q", got)
	}
	if got := resolveDisplayName(msg("", "Global", "user1")); got != "Global" {
		t.Errorf("with global name = %q", got)
	}
	if got := resolveDisplayName(msg("", "", "user1")); got != "user1" {
		t.Errorf("fallback = %q", got)
	}
}
