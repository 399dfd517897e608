// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com

package catalog

import "errors"

// ErrCorrupt is returned (wrapped) when the schema version of an
// opened store does not match this binary's expectation, or the file
// otherwise fails an integrity check.
var ErrCorrupt = errors.New("store corrupt")

// ErrBusy is returned when a competing writer already holds the side
// store for this workspace.
var ErrBusy = errors.New("store busy")

// ErrNotExist is returned by OpenRead when the live store has never
// been created.
var ErrNotExist = errors.New("store does not exist")

// ErrSymbolNotFound is returned by ReadSymbol for an unknown id.
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrFileNotFound is returned by ReadFile for an unknown id.
var ErrFileNotFound = errors.New("file not found")
