package engine

import (
	"context"
	"math/rand/v2"
	"time"

	"openstreambot/internal/audio"
)

// Tracks shorter than this count as failures; three in a row stop the playlist.
const (
	minTrackTime     = 500 * time.Millisecond
	maxShortTracks   = 3
	playlistPollWait = time.Second
)

// runPlaylist loops random tracks from folder until ctx is canceled, the
// folder is empty or missing, or the loop stops granting it tracks.
func (e *Engine) runPlaylist(ctx context.Context, gen uint64, folder, device string) {
	logger := e.logger.With("folder", folder, "playlist_gen", gen)
	defer func() {
		_ = e.post(context.Background(), playlistEnded{Gen: gen})
	}()

	short := 0
	for {
		tracks, err := audio.Tracks(folder)
		if err != nil {
			logger.Warn("playlist folder unreadable", "error", err)
			return
		}
		if len(tracks) == 0 {
			logger.Info("playlist stopped: no tracks in folder")
			return
		}

		grant, err := request(ctx, e, func(reply chan trackGrant) Event {
			return trackRequest{Gen: gen, Reply: reply}
		})
		if err != nil || !grant.OK {
			return
		}

		path := tracks[rand.IntN(len(tracks))]
		track, err := e.player.PlayTrack(ctx, path, device, grant.Volume)
		if err != nil {
			logger.Warn("playlist track failed", "track", path, "error", err)
			return
		}
		if err := e.post(ctx, trackStarted{Gen: gen, Track: track, Volume: grant.Volume}); err != nil {
			_ = track.Stop()
			return
		}
		logger.Info("playlist track started", "track", path)

		started := time.Now()
		select {
		case <-ctx.Done():
			_ = track.Stop()
			return
		case <-track.Done():
		}

		if time.Since(started) < minTrackTime {
			short++
			if short >= maxShortTracks {
				logger.Warn("playlist stopped: tracks end immediately", "track", path)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(playlistPollWait):
			}
		} else {
			short = 0
		}
	}
}
