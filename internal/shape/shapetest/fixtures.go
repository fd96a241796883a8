// Package shapetest provides a small shape catalog modelled on a notification
// service for use in tests.
package shapetest

import (
	"shapecodec/internal/shape"
	"shapecodec/internal/shape/types"
)

// Document is the YAML source of the fixture catalog
const Document = `
enums:
  - name: TopicStatus
    values: [ACTIVE, INACTIVE, DELETING]
shapes:
  - name: Tag
    fields:
      - {name: Key, kind: string, required: true}
      - {name: Value, kind: string}
  - name: Owner
    fields:
      - {name: Id, kind: string}
      - {name: DisplayName, kind: string}
  - name: Topic
    fields:
      - {name: Name, kind: string, required: true}
      - {name: Arn, wireName: TopicArn, kind: string}
      - {name: Tags, kind: list, shapeRef: Tag}
      - {name: Aliases, kind: list, member: {kind: string}}
      - {name: Attributes, kind: map, member: {kind: string}}
      - {name: Status, kind: enum, shapeRef: TopicStatus}
      - {name: Owner, kind: structure, shapeRef: Owner}
      - {name: Count, kind: integer}
      - {name: Size, kind: long}
      - {name: Ratio, kind: float}
      - {name: Score, kind: double}
      - {name: Enabled, kind: boolean}
      - {name: Created, kind: timestamp}
      - {name: Payload, kind: blob}
  - name: CreateTopicResult
    fields:
      - {name: TopicArn, kind: string}
      - {name: Status, kind: enum, shapeRef: TopicStatus}
  - name: Tree
    fields:
      - {name: Value, kind: string}
      - {name: Children, kind: list, shapeRef: Tree}
  - name: ConflictException
    fields:
      - {name: Message, wireName: message, kind: string}
      - {name: Type, kind: string}
  - name: InvalidParameterException
    fields:
      - {name: Message, wireName: message, kind: string}
      - {name: Parameter, kind: string}
operations:
  - name: CreateTopic
    input: Topic
    output: CreateTopicResult
    errors:
      - {code: ConflictException, fault: client, shape: ConflictException}
      - {code: InvalidParameterException, fault: client, shape: InvalidParameterException}
      - {code: ConflictException, fault: client, shape: InvalidParameterException}
      - {code: InternalError, fault: server}
`

// Registry builds and freezes the fixture catalog
func Registry() *shape.Registry {
	doc, err := shape.ParseDocument([]byte(Document))
	if err != nil {
		panic(err)
	}
	r, err := shape.Build(doc)
	if err != nil {
		panic(err)
	}
	return r
}

// TopicErrors returns the error catalog of CreateTopic
func TopicErrors() []types.ErrorShape {
	return Registry().Errors("CreateTopic")
}
