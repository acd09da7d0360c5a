package download

// Package download implements the fetch stage. Direct URLs and uploaded
// files go through the transfer engine; links that first have to be
// resolved are handled by yt-dlp, whose command line is built with
// github.com/lrstanley/go-ytdlp and run in its own process group, with a
// resolver API as the fallback backend.
