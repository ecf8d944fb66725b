// Command ig2spotify captures reel audio from an Instagram account, recognizes
// the music, and syncs the matches into a Spotify playlist.
//
// Usage:
//
//	ig2spotify serve --config config.yaml
//	ig2spotify run --account someone --limit 20
//	ig2spotify ledger --account someone
//	ig2spotify reconcile --sync
//	ig2spotify runs --server http://localhost:5000
//	ig2spotify secrets set spotify_refresh_token
package main
