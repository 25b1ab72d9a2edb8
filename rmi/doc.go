// Package rmi turns method calls into request envelopes and correlates
// the replies.
//
// A Stub sends requests through one of two request methods:
//
//   - Synchronous sends the request and blocks on a private reply queue,
//     first for the "started" status and then for the terminal result.
//   - Asynchronous sends the request with replyto set to the queue of a
//     correlation tag and returns the serial number immediately. A
//     ReplyConsumer on that queue later notifies a Listener.
//
// Replies are classified into Status, Succeeded and Failed.
package rmi
