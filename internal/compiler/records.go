package compiler

import (
	"encoding/json"
	"errors"
	"io/fs"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/compilation"
)

// ReadRecords loads the records file named by the options. A missing file
// means a fresh start, not an error. Records are read once per process;
// later build cycles keep the live table.
func (c *Compiler) ReadRecords() error {
	path := c.Options.Records.InputPath
	if path == "" || c.recordsRead {
		return nil
	}
	c.recordsRead = true
	data, err := c.IntermediateFS.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.records = compilation.NewRecords()
			return nil
		}
		return berrors.Wrap(err, berrors.CategoryFileSystem, "read records").WithFile(path)
	}
	records := compilation.NewRecords()
	if err := json.Unmarshal(data, records); err != nil {
		return berrors.Wrap(err, berrors.CategoryValidation, "parse records").WithFile(path)
	}
	c.records = records
	return nil
}

// EmitRecords persists the records. The JSON encoder emits map keys sorted,
// so the file is byte-stable for unchanged state and diffs cleanly.
func (c *Compiler) EmitRecords() error {
	path := c.Options.Records.OutputPath
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.records, "", "  ")
	if err != nil {
		return berrors.Wrap(err, berrors.CategoryInternal, "encode records")
	}
	if err := c.IntermediateFS.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return berrors.Wrap(err, berrors.CategoryFileSystem, "write records").WithFile(path)
	}
	return nil
}
