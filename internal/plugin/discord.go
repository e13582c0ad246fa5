package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/cadenzahq/cadenza/internal/store"
)

// DiscordType is the registry name of the Discord adapter.
const DiscordType = "discord"

// Discord voice runs 48 kHz stereo Opus at 20 ms frames.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	// opusFrameSize is samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * 20 / 1000
)

// AudioFeed receives decoded PCM (interleaved little-endian int16) for one
// voice participant. The session id is stable per participant.
type AudioFeed func(ctx context.Context, sessionID string, pcm []byte)

// RegisterDiscord adds the Discord adapter to the registry. feed connects
// decoded voice audio to the pipeline and may be nil for text-only agents.
func RegisterDiscord(feed AudioFeed) {
	Register(DiscordType, func() Plugin {
		return &discordPlugin{feed: feed}
	})
}

// discordPlugin bridges a Discord guild to an agent: voice-channel audio in,
// assistant responses out to a text channel.
type discordPlugin struct {
	feed AudioFeed

	agent          *store.Agent
	token          string
	guildID        string
	textChannelID  string
	voiceChannelID string

	mu       sync.Mutex
	session  *discordgo.Session
	voice    *discordgo.VoiceConnection
	cancel   context.CancelFunc
	decoders map[uint32]*gopus.Decoder
}

func (d *discordPlugin) ValidateConfig(cfg map[string]any) (map[string]any, error) {
	token, _ := cfg["token"].(string)
	if token == "" {
		return nil, fmt.Errorf("plugin: discord: token is required")
	}
	out := map[string]any{
		"token": token,
	}
	for _, key := range []string{"guild_id", "text_channel_id", "voice_channel_id"} {
		if v, ok := cfg[key].(string); ok && v != "" {
			out[key] = v
		}
	}
	if _, ok := cfg["voice_channel_id"].(string); ok {
		if _, ok := cfg["guild_id"].(string); !ok {
			return nil, fmt.Errorf("plugin: discord: voice_channel_id requires guild_id")
		}
	}
	return out, nil
}

func (d *discordPlugin) Initialize(ctx context.Context, agent *store.Agent, cfg map[string]any) error {
	d.agent = agent
	d.token, _ = cfg["token"].(string)
	d.guildID, _ = cfg["guild_id"].(string)
	d.textChannelID, _ = cfg["text_channel_id"].(string)
	d.voiceChannelID, _ = cfg["voice_channel_id"].(string)
	d.decoders = make(map[uint32]*gopus.Decoder)

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("plugin: discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuilds

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()
	return nil
}

func (d *discordPlugin) Start(ctx context.Context) error {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return fmt.Errorf("plugin: discord: not initialized")
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("plugin: discord: open gateway: %w", err)
	}

	if d.voiceChannelID == "" {
		return nil
	}
	vc, err := session.ChannelVoiceJoin(d.guildID, d.voiceChannelID, false, false)
	if err != nil {
		session.Close()
		return fmt.Errorf("plugin: discord: join voice channel: %w", err)
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.voice = vc
	d.cancel = cancel
	d.mu.Unlock()
	go d.receive(recvCtx, vc)
	return nil
}

// receive decodes inbound Opus packets per participant and feeds the PCM to
// the pipeline. Each SSRC keeps its own decoder so decoder state survives
// across consecutive frames.
func (d *discordPlugin) receive(ctx context.Context, vc *discordgo.VoiceConnection) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				return
			}
			if d.feed == nil {
				continue
			}
			pcm, err := d.decode(pkt.SSRC, pkt.Opus)
			if err != nil {
				slog.Debug("plugin: discord: opus decode failed", "ssrc", pkt.SSRC, "error", err)
				continue
			}
			sessionID := fmt.Sprintf("discord:%s:%d", d.agent.ID, pkt.SSRC)
			d.feed(ctx, sessionID, pcm)
		}
	}
}

func (d *discordPlugin) decode(ssrc uint32, opus []byte) ([]byte, error) {
	d.mu.Lock()
	dec := d.decoders[ssrc]
	if dec == nil {
		var err error
		dec, err = gopus.NewDecoder(opusSampleRate, opusChannels)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.decoders[ssrc] = dec
	}
	d.mu.Unlock()

	pcm, err := dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return nil, err
	}
	return pcmToBytes(pcm), nil
}

func (d *discordPlugin) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	voice := d.voice
	session := d.session
	d.cancel, d.voice = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if voice != nil {
		if err := voice.Disconnect(); err != nil {
			slog.Warn("plugin: discord: voice disconnect failed", "error", err)
		}
	}
	if session != nil {
		if err := session.Close(); err != nil {
			return fmt.Errorf("plugin: discord: close gateway: %w", err)
		}
	}
	return nil
}

// OnMessage is a no-op: inbound Discord traffic arrives via the gateway, not
// the pipeline.
func (d *discordPlugin) OnMessage(ctx context.Context, sessionID, text string, meta map[string]any) error {
	return nil
}

// OnResponse relays the assistant's text to the configured channel.
func (d *discordPlugin) OnResponse(ctx context.Context, sessionID, text string, meta map[string]any) error {
	if d.textChannelID == "" || text == "" {
		return nil
	}
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return fmt.Errorf("plugin: discord: not started")
	}
	if _, err := session.ChannelMessageSend(d.textChannelID, text); err != nil {
		return fmt.Errorf("plugin: discord: send response: %w", err)
	}
	return nil
}

// pcmToBytes converts int16 PCM samples to interleaved little-endian bytes.
func pcmToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

var _ Plugin = (*discordPlugin)(nil)
