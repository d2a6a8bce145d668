package controlflow

// All runs each operation in order, stopping at and returning the first
// non-nil error.
func All(operations ...func() error) error {
	for _, operation := range operations {
		if err := operation(); err != nil {
			return err
		}
	}

	return nil
}
