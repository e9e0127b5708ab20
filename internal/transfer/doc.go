// Package transfer implements the chat and file transfer protocol spoken over
// the peer data channel.
//
// All control frames are JSON text frames. A file is announced with file-start,
// then each chunk is a file-chunk header frame immediately followed by one
// binary frame carrying the chunk bytes, and finished with file-end. The
// channel is ordered and reliable, so the header/binary pairing and the chunk
// order are guaranteed by the transport.
package transfer
