// Package commands defines the e2ee CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init           Create the local identity and profile, publish keys
//   - fingerprint    Print the identity fingerprint
//   - publish        Upload keys to the directory
//   - rotate         Replace the signed pre-key
//   - replenish      Top up one-time pre-keys on the directory
//   - maintain       Run rotation, replenishment and pruning on a schedule
//   - encrypt        Encrypt a message for recipient devices
//   - decrypt        Decrypt an envelope from a sender device
//   - reset-session  Forget the session with a peer device
//
// # Implementation
//
// The root command builds the dependency graph (stores, services, directory
// client) before any subcommand runs and closes it afterwards. The home
// directory stays locked in between.
package commands
