// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package symbolstats

import "time"

// Clock abstracts time for snapshot expiry so tests can step time
// deterministically instead of sleeping through real TTLs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// systemClock reads the real system time.
type systemClock struct{}

// SystemClock returns the real-time clock used in production.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}
