// Package mega is a client for the MEGA storage API.
//
// A Client authenticates with email and password (plus an optional
// multi-factor code), fetches and decrypts the account's node forest, and
// negotiates temporary URLs for content transfers. All cryptography happens
// client side: the server only ever sees wrapped keys and ciphertext.
//
// Public links are a second entry point: ParsePublicLink extracts the node
// id and the decryption key from a share URL, and OpenPublicLink fetches the
// shared file or subtree without a login.
//
// The protocol layer stops at negotiation. Chunked content transfers are
// driven elsewhere, on top of the tickets and the FileKey cipher and MAC
// primitives exposed here.
package mega
