// Package robot provides the link to a Unitree Go2 quadruped: camera frames
// and sport (locomotion) commands, reached through a helper process that runs
// the vendor SDK. A reference helper using unitree_sdk2py ships as
// scripts/go2-sdk-bridge; install it on PATH or point bridge.command at it.
//
// # Wire format
//
// The helper is started with the configured arguments plus --iface <name>.
// Requests go to its stdin as one JSON object per line:
//
//	{"id":7,"service":"sport","op":"switch_gait","args":[1]}
//	{"id":8,"service":"sport","op":"move","args":[0.2,0,0.5],"noreply":true}
//
// service is "video" or "sport". op is one of the Op* constants, and args
// carries the float arguments: move takes vx, vy and vyaw, switch_gait
// takes the gait. Requests with noreply set get no answer.
//
// Every other request is answered on stdout by a 12-byte big-endian header
// followed by the payload:
//
//	offset 0  uint32  request id
//	offset 4  int32   vendor status code, 0 on success
//	offset 8  uint32  payload length (at most 8 MiB)
//
// The payload of a successful get_image_sample is the encoded camera image.
// A non-zero code surfaces as *CodeError. Replies may arrive in any order.
// The helper logs to stderr, exits when stdin is closed, and the link is
// down once stdout reaches EOF.
package robot
