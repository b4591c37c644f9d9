package notify

import (
	"testing"

	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/stretchr/testify/assert"
)

func TestNewMessage(t *testing.T) {
	f := &models.File{ExternalID: "abc", DisplayName: "report.pdf", SizeBytes: 42}

	up := newMessage(models.EventUpload, f)
	assert.Equal(t, "File 'report.pdf' (abc) was uploaded.\n---\nSize: 42 bytes", up.Text())
	assert.Equal(t, "File 'report.pdf' (abc) was uploaded.\n\nSize: 42 bytes", up.Body())
	assert.Equal(t, "upload", up.subjectWord())

	del := newMessage(models.EventDeletion, f)
	assert.Equal(t, "File 'report.pdf' (abc) was deleted.", del.Text())
	assert.Equal(t, del.Text(), del.Body())
}

func TestDigest(t *testing.T) {
	f := &models.File{ExternalID: "x", DisplayName: "x"}
	d := digest([]Message{
		newMessage(models.EventDownload, f),
		newMessage(models.EventRenewal, f),
	}, 5)
	assert.Equal(t, EventBatch, d.Event)
	assert.Equal(t, "batch", d.subjectWord())
	assert.Equal(t,
		"Batched notifications (last 5 minutes):\n\nFile 'x' (x) was downloaded.\n\nFile 'x' (x) was renewed.",
		d.Text())
}
