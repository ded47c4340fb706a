// UUID helpers for cork_uuid / scrub_id identifiers.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package cmn

import "github.com/google/uuid"

type UUID = uuid.UUID

var NilUUID = uuid.Nil

func NewUUID() UUID { return uuid.New() }

func ParseUUID(s string) (UUID, error) { return uuid.Parse(s) }
