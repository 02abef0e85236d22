// Package dlproto contains the messages exchanged while two nodes link,
// and their wire encoding.
//
// Every encoded message begins with a fixed seven byte header:
//
//	[0]   family tag, always [FamilyTag]
//	[1]   [MessageType]
//	[2]   [Direction]
//	[3:7] big endian sequence ID
//
// The remainder is the CBOR encoding of the message body.
package dlproto
