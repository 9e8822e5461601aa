// Package events defines the change events exchanged between server processes
// and delivered to websocket clients, and the Bus that carries them.
//
// The primary components are:
// - ChangeEvent: a typed, routable notification with a unique message ID
// - Envelope: the client-facing wire form of a ChangeEvent
// - ControlMessage: protocol frames such as subscribe, ping and auth
// - Bus: publish/subscribe transport, with MemoryBus for a single process
package events
