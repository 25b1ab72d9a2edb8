// Copyright 2024 Gofer Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gofer is the client side of gofer remote method invocation over
// a message broker.
//
// A Client owns one broker connection. Agents created from it stand for
// remote agents listening on named queues; their stubs turn method calls
// into request envelopes:
//
//	client, err := gofer.NewClient("localhost:5672")
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	admin := client.Agent("agent-1").Stub("admin.Admin")
//	ret, err := admin.Call(ctx, "echo", "hello")
//
// Synchronous agents wait for the reply on a private queue. Agents created
// with WithCtag, WithAsync or through Agents send asynchronously; replies
// land on the correlation tag's queue and are delivered to a listener by a
// ReplyConsumer.
package gofer
