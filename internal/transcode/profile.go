package transcode

import (
	"strconv"
	"time"
)

// Profile is one FFmpeg codec configuration.
type Profile struct {
	Name  string
	Video []string
	Audio []string
}

var (
	aacStereo = []string{"-c:a", "aac", "-b:a", "128k", "-ac", "2"}

	// CopyProfile keeps the video stream and re-encodes audio only.
	CopyProfile = Profile{
		Name:  "copy",
		Video: []string{"-c:v", "copy"},
		Audio: aacStereo,
	}

	// SafeProfile is the slower full re-encode used after a copy failure.
	SafeProfile = Profile{
		Name:  "safe",
		Video: []string{"-c:v", "libx264", "-preset", "ultrafast", "-crf", "28"},
		Audio: aacStereo,
	}
)

// AudioArgs returns the audio codec flags shared by every profile.
func AudioArgs() []string {
	return append([]string(nil), aacStereo...)
}

// Seconds formats d as FFmpeg's fractional-seconds time syntax.
func Seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// mp4Args builds the argument list for a full-file or time-range MP4 job.
// The seek is placed before the input for fast seeking.
func mp4Args(input, output, progressPath string, start, duration time.Duration, p Profile) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if start > 0 {
		args = append(args, "-ss", Seconds(start))
	}
	args = append(args, "-i", input)
	if duration > 0 {
		args = append(args, "-t", Seconds(duration))
	}
	args = append(args, "-map", "0:v:0", "-map", "0:a:0?")
	args = append(args, p.Video...)
	args = append(args, p.Audio...)
	args = append(args,
		"-movflags", "+faststart",
		"-progress", progressPath,
		"-f", "mp4",
		output,
	)
	return args
}
