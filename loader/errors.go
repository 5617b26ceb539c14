package loader

import "errors"

var errLoaderBusy = errors.New("loader: a load is already in progress")
