// Package commands defines the veilchat CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - token    Mint an identity token with a relay signing key
//   - listen   Connect and print incoming events as they arrive
//   - offer    Offer a key exchange to a contact and wait for the answer
//   - accept   Wait for a contact's key offer and accept it
//   - reject   Wait for a contact's key offer and decline it
//   - send     Encrypt and send a text message or sealed media blob
//   - history  Fetch and decrypt the stored conversation
//
// # Implementation
//
// The root command resolves the home directory and token before any
// subcommand runs; handlers build the relay client and chat layer on
// demand via newChat, connecting the websocket only when the command
// needs a live event stream.
package commands
