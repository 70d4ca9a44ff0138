// Package mqtt mirrors Mailroom's operational events onto an MQTT
// broker so dashboards and home automation can follow the agent
// without polling the HTTP API.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to
// mailroom/<device>/availability; a will message flips that topic to
// "offline" on unexpected disconnects.
//
// Every bus event is forwarded as JSON to
// mailroom/<device>/events/<source>/<kind>, and a retained status
// snapshot (version, uptime, active runs, today's run outcomes) is
// published to mailroom/<device>/status on a fixed interval.
package mqtt
