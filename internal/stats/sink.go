// Copyright 2024 The Shadow-Go Authors.
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

package stats

import "github.com/sirupsen/logrus"

// LogrusSink adapts a *logrus.Entry into a Sink, so the heartbeat is
// observable without wiring an external metrics collector.
type LogrusSink struct {
	Entry *logrus.Entry
}

// WriteLine implements Sink by logging line at Info level, tagged with
// the category.
func (s LogrusSink) WriteLine(category Category, line string) error {
	s.Entry.WithField("category", string(category)).Info(line)
	return nil
}
