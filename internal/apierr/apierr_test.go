package apierr

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dsa110/contimg-ingestd/internal/corerr"
)

func TestFromKindNotFoundMapsTo404(t *testing.T) {
	e := FromKind("registry.Get", corerr.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, e.Status)
}

func TestFromKindTransientMapsToConflict(t *testing.T) {
	e := FromKind("scheduler.invokeStage", corerr.New(corerr.KindTransient, "op", corerr.ErrTimeout))
	assert.Equal(t, http.StatusConflict, e.Status)
}

func TestFromKindStorageMapsTo500(t *testing.T) {
	e := FromKind("queuestore.Get", corerr.New(corerr.KindStorage, "op", corerr.ErrConflict))
	assert.Equal(t, http.StatusInternalServerError, e.Status)
}

func TestFromKindInvalidStateMapsToConflict(t *testing.T) {
	e := FromKind("queuestore.ResetToPending", corerr.New(corerr.KindValidation, "op", corerr.ErrInvalidState))
	assert.Equal(t, http.StatusConflict, e.Status)
}

func TestFromKindInvalidArgumentStillMapsTo400(t *testing.T) {
	e := FromKind("control.postConfig", corerr.New(corerr.KindValidation, "op", corerr.ErrInvalidArgument))
	assert.Equal(t, http.StatusBadRequest, e.Status)
}
