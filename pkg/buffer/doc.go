// Package buffer provides the bounded circular buffer that decouples
// each peer connection's reader from frame delivery: writes never block,
// and when a slow consumer lets the buffer fill, the oldest entry is
// dropped in favor of the newest.
package buffer
