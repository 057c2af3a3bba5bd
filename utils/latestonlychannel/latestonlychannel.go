/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

// Wrap returns a channel which yields the most recent value received on
// inputCh.  Writers to inputCh never wait on a slow reader, values which are
// superseded before being read are dropped.  The output channel is closed
// once inputCh is closed, any pending value is dropped at that point.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		var pending T
		hasPending := false

		for {
			// a nil channel never becomes ready, which disables the send
			// case while nothing is pending.
			var sendCh chan<- T
			if hasPending {
				sendCh = outputCh
			}

			select {
			case value, ok := <-inputCh:
				if !ok {
					return
				}
				pending = value
				hasPending = true
			case sendCh <- pending:
				var zero T
				pending = zero
				hasPending = false
			}
		}
	}()

	return outputCh
}
