// Copyright 2020 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tcardew/gitpartial/githash"
)

/*
An annotated tag is the least documented of the four object kinds this
client decodes; a lightweight tag, by contrast, is just a ref pointing
straight at a commit and never reaches this type.

Reference parser: https://github.com/git/git/blob/6da43d937ca96d277556fa92c5a664fb1cbcc8ac/tag.c#L134-L206

Tag signatures are encoded as ASCII-armored GPG detached signatures
appended to the message: https://github.com/git/git/blob/21bf933928c02372633b88aa6c4d9d71271d42b3/builtin/tag.c#L129-L132
*/

// A Tag is a parsed annotated tag object, decoded only so a walk that lands
// on one can resolve ObjectID down to the commit or object it actually
// points at.
type Tag struct {
	// ObjectID is the hash of the object that the tag refers to.
	ObjectID githash.SHA1
	// ObjectType is the type of the object that the tag refers to.
	ObjectType Type

	// Name is the name of the tag.
	Name string

	// Tagger identifies the person who created the tag.
	Tagger User
	// Time is the time the tag was created.
	// The Location is significant.
	Time time.Time

	// Message is the tag message.
	Message string
}

// ParseTag deserializes a tag in the Git object format. It is the same as
// calling UnmarshalText on a new tag.
func ParseTag(data []byte) (*Tag, error) {
	t := new(Tag)
	err := t.UnmarshalText(data)
	return t, err
}

// UnmarshalText deserializes a tag from the Git object format.
func (t *Tag) UnmarshalText(data []byte) error {
	var ok bool
	data, ok = consumeLiteral(data, "object ")
	if !ok {
		return fmt.Errorf("parse git tag: object: missing")
	}
	*t = Tag{}
	var err error
	data, err = consumeHexID(t.ObjectID[:], data)
	if err != nil {
		return fmt.Errorf("parse git tag: object: %w", err)
	}
	data, ok = consumeLiteral(data, "\n")
	if !ok {
		return fmt.Errorf("parse git tag: object: trailing data")
	}

	data, ok = consumeLiteral(data, "type ")
	if !ok {
		return fmt.Errorf("parse git tag: type: missing line")
	}
	typ, data, err := consumeLine(data)
	if err != nil {
		return fmt.Errorf("parse git tag: type: %w", err)
	}
	t.ObjectType = Type(typ)
	if !t.ObjectType.IsValid() {
		return fmt.Errorf("parse git tag: type: %q invalid", t.ObjectType)
	}

	data, ok = consumeLiteral(data, "tag ")
	if !ok {
		return fmt.Errorf("parse git tag: name: missing line")
	}
	t.Name, data, err = consumeLine(data)
	if err != nil {
		return fmt.Errorf("parse git tag: name: %w", err)
	}

	data, ok = consumeLiteral(data, "tagger ")
	if !ok {
		return fmt.Errorf("parse git tag: tagger: missing line")
	}
	t.Tagger, t.Time, data, err = consumeIdentityLine(data)
	if err != nil {
		return fmt.Errorf("parse git tag: tagger: %w", err)
	}

	data, ok = consumeLiteral(data, "\n")
	if !ok {
		return fmt.Errorf("parse git tag: message: expect blank line after header")
	}
	t.Message = string(data)
	return nil
}

func consumeLine(src []byte) (_ string, tail []byte, _ error) {
	eol := bytes.IndexByte(src, '\n')
	if eol == -1 {
		return "", src, io.ErrUnexpectedEOF
	}
	return string(src[:eol]), src[eol+1:], nil
}

// MarshalText serializes a tag into the Git object format.
func (t *Tag) MarshalText() ([]byte, error) {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "object %x\n", t.ObjectID)
	if !t.ObjectType.IsValid() {
		return nil, fmt.Errorf("marshal git tag: invalid object type %q", t.ObjectType)
	}
	fmt.Fprintf(buf, "type %v\n", t.ObjectType)
	if !isSafeForHeader(t.Name) {
		return nil, fmt.Errorf("marshal git tag: name %q contains unsafe characters", t.Name)
	}
	fmt.Fprintf(buf, "tag %s\n", t.Name)
	if err := writeUser(buf, "tagger", t.Tagger, t.Time); err != nil {
		return nil, fmt.Errorf("marshal git tag: %w", err)
	}
	buf.WriteString("\n")
	buf.WriteString(t.Message)
	return buf.Bytes(), nil
}

// SHA1 computes the object identifier of the tag object itself (not of the
// object it points to).
func (t *Tag) SHA1() githash.SHA1 {
	s, err := t.MarshalText()
	if err != nil {
		panic(err)
	}
	return Sum(TypeTag, s)
}

// Summary returns the first line of the message.
func (t *Tag) Summary() string {
	i := strings.IndexByte(t.Message, '\n')
	if i == -1 {
		return t.Message
	}
	return t.Message[:i]
}
