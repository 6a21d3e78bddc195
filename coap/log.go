// Copyright 2021 The Matrix.org Foundation C.I.C.
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

package coap

// Logger is an interface satisfied by *logrus.Logger/*logrus.Entry (and
// anything else with a Printf). It is entirely optional: every component
// that embeds one guards it with a nil check before use, so the core
// stays silent unless a caller wires up logging.
type Logger interface {
	Printf(format string, v ...interface{})
}
