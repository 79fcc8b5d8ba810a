// Package export writes audit records as JSON or CSV.
//
// JSONExporter always produces an array, which ReadJSON decodes again;
// retention archives use this format. CSVExporter flattens actor, target
// and retention metadata into columns and keeps the context as JSON text.
//
// Both exporters have an ExportStream variant that consumes the channel
// returned by audit.Storage.QueryStream:
//
//	recordsCh, errCh, err := store.QueryStream(ctx, &audit.Query{})
//	if err != nil {
//	    return err
//	}
//	if err := export.NewCSVExporter(true).ExportStream(ctx, recordsCh, w); err != nil {
//	    return err
//	}
//	return <-errCh
package export
