package provision

import "errors"

// Таксономия ошибок провижининга. Хэндлеры ветвятся по errors.Is, не по тексту.
var (
	ErrInterfaceNotFound  = errors.New("interface not found")
	ErrPoolExhausted      = errors.New("address pool exhausted")
	ErrDuplicateName      = errors.New("peer name already exists")
	ErrGatewayApply       = errors.New("gateway apply failed")
	ErrAddressUnavailable = errors.New("address no longer available") // гонка за адрес, вызывающий повторяет запрос
)
