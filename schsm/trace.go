// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package schsm

import (
	"reflect"
)

// ClientTrace is a set of hooks to run at various stages of a token
// exchange. Any particular hook may be nil.
//
// ClientTrace is adapted from httptrace.ClientTrace.
type ClientTrace struct {
	// Transmit is called before an APDU is handed to the channel. req is the
	// APDU as sent, after secure messaging was applied.
	Transmit func(req []byte)

	// TransmitResult is called after a response was received. resp is the
	// complete response including the status word sw1, sw2. If sw1==0x61,
	// there is more data.
	TransmitResult func(req, resp []byte, sw1, sw2 byte)

	// StateChange is called when the secure messaging state changes.
	StateChange func(from, to SMState)
}

// compose modifies t such that it respects the previously-registered hooks in old.
func (t *ClientTrace) compose(old *ClientTrace) {
	if old == nil {
		return
	}
	tv := reflect.ValueOf(t).Elem()
	ov := reflect.ValueOf(old).Elem()
	structType := tv.Type()
	for i := 0; i < structType.NumField(); i++ {
		tf := tv.Field(i)
		hookType := tf.Type()
		if hookType.Kind() != reflect.Func {
			continue
		}
		of := ov.Field(i)
		if of.IsNil() {
			continue
		}
		if tf.IsNil() {
			tf.Set(of)
			continue
		}

		// Make a copy of tf for tf to call. (Otherwise it
		// creates a recursive call cycle and stack overflows)
		tfCopy := reflect.ValueOf(tf.Interface())

		newFunc := reflect.MakeFunc(hookType, func(args []reflect.Value) []reflect.Value {
			tfCopy.Call(args)
			return of.Call(args)
		})
		tv.Field(i).Set(newFunc)
	}
}

func (t *ClientTrace) transmit(req []byte) {
	if t != nil && t.Transmit != nil {
		t.Transmit(req)
	}
}

func (t *ClientTrace) transmitResult(req, resp []byte) {
	if t == nil || t.TransmitResult == nil || len(resp) < 2 {
		return
	}

	t.TransmitResult(req, resp, resp[len(resp)-2], resp[len(resp)-1])
}

func (t *ClientTrace) stateChange(from, to SMState) {
	if t != nil && t.StateChange != nil {
		t.StateChange(from, to)
	}
}
